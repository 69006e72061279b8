package rfbpanel

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/icza/mjpeg"
	"github.com/jonboulle/clockwork"
)

// DefaultRecordFPS is the sampling rate used when none is given.
const DefaultRecordFPS = 10

const recordJPEGQuality = 80

// frameSource produces the current frame. It reports a framebuffer
// error with ErrNoData while no frame has arrived yet.
type frameSource func() (*image.RGBA, error)

// Recorder samples a frame source at a fixed rate and writes the frames
// to an MJPEG AVI file. The output dimensions are fixed at start; a
// display resize mid-recording stops the recorder, the file stays valid
// up to the last whole frame.
type Recorder struct {
	path    string
	width   int
	height  int
	fps     int
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	writer mjpeg.AviWriter
	frames int64
	err    error

	stop sync.Once
	quit chan struct{}
	done chan struct{}
}

// newRecorder opens the AVI file and starts sampling source every
// 1/fps seconds on its own goroutine.
func newRecorder(path string, width, height, fps int, source frameSource, cfg Config, metrics *Metrics) (*Recorder, error) {
	if path == "" {
		return nil, trace.BadParameter("recording path is empty")
	}
	if fps <= 0 {
		return nil, trace.BadParameter("recording rate %d fps is not positive", fps)
	}
	if width <= 0 || height <= 0 {
		return nil, trace.BadParameter("cannot record a %dx%d display", width, height)
	}
	writer, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, trace.Wrap(err, "opening %s", path)
	}
	r := &Recorder{
		path:    path,
		width:   width,
		height:  height,
		fps:     fps,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: metrics,
		writer:  writer,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.log.Info("recording started", "path", path, "size", fmt.Sprintf("%dx%d", width, height), "fps", fps)
	go r.run(source)
	return r, nil
}

func (r *Recorder) run(source frameSource) {
	defer close(r.done)
	ticker := r.clock.NewTicker(time.Second / time.Duration(r.fps))
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.Chan():
			if !r.addFrame(source) {
				return
			}
		}
	}
}

// addFrame samples one frame. Frames are skipped while the source has
// no data yet; any other source failure or a dimension change ends the
// recording.
func (r *Recorder) addFrame(source frameSource) bool {
	img, err := source()
	if err != nil {
		if errors.Is(err, ErrNoData) {
			// Nothing on screen yet, try again next tick.
			return true
		}
		r.abort(err)
		return false
	}
	bounds := img.Bounds()
	if bounds.Dx() != r.width || bounds.Dy() != r.height {
		r.abort(fmt.Errorf("display resized to %dx%d during a %dx%d recording",
			bounds.Dx(), bounds.Dy(), r.width, r.height))
		return false
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: recordJPEGQuality}); err != nil {
		r.abort(trace.Wrap(err, "encoding frame"))
		return false
	}

	r.mu.Lock()
	err = r.writer.AddFrame(buf.Bytes())
	if err == nil {
		r.frames++
	}
	r.mu.Unlock()
	if err != nil {
		r.abort(trace.Wrap(err, "writing frame to %s", r.path))
		return false
	}
	r.metrics.RecordedFrames.Inc()
	return true
}

func (r *Recorder) abort(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.log.Error("recording stopped", "path", r.path, "error", err)
}

// Stop ends sampling, finalizes the file and returns how many frames it
// holds. Safe to call more than once; later calls return the same
// result.
func (r *Recorder) Stop() (int64, error) {
	r.stop.Do(func() {
		close(r.quit)
		<-r.done
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.writer.Close(); err != nil && r.err == nil {
			r.err = trace.Wrap(err, "finalizing %s", r.path)
		}
		r.log.Info("recording finished", "path", r.path, "frames", r.frames)
	})
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.err
}
