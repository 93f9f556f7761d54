package capture

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/crowdsense-data/crowdsense/internal/monitoring"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// RTSPSource captures frames from an RTSP camera through a GStreamer
// pipeline that decodes, scales, and rate-limits the stream down to RGB
// frames at the target resolution.
type RTSPSource struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink

	width  int
	height int

	frames  chan *vision.Frame
	seq     uint64
	dropped uint64
	closed  atomic.Bool
}

// OpenRTSP builds and starts the capture pipeline:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter → appsink
//
// The appsink keeps only the latest buffer and drops the rest, so a slow
// consumer sees fresh frames rather than a growing backlog.
func OpenRTSP(url string, width, height int, targetFPS float64) (*RTSPSource, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", url)
	rtspsrc.SetProperty("protocols", 4) // TCP only
	rtspsrc.SetProperty("latency", 200)

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtph264depay: %w", err)
	}
	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(framerateCaps(width, height, targetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(rtspsrc, depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	// rtspsrc pads are dynamic; link them to the depayloader as they
	// appear.
	rtspsrc.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			monitoring.Logf("[RTSP] depayloader has no sink pad")
			return
		}
		if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
			monitoring.Logf("[RTSP] failed to link %s: %v", pad.GetName(), ret)
		}
	})

	s := &RTSPSource{
		pipeline: pipeline,
		appsink:  appsink,
		width:    width,
		height:   height,
		frames:   make(chan *vision.Frame, 1),
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	monitoring.Logf("[RTSP] capturing %s at %dx%d, %.1f fps", url, width, height, targetFPS)
	return s, nil
}

// onNewSample copies one decoded RGB buffer out of GStreamer's memory and
// queues it. A full queue drops the frame; the producer only ever wants
// the freshest one.
func (s *RTSPSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		monitoring.Tracef("[RTSP] null sample, skipping")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		monitoring.Tracef("[RTSP] sample without buffer, skipping")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) < s.width*s.height*3 {
		buffer.Unmap()
		monitoring.Logf("[RTSP] short buffer: %d bytes for %dx%d", len(data), s.width, s.height)
		return gst.FlowOK
	}

	img := rgbToRGBA(data, s.width, s.height)
	buffer.Unmap()

	frame := &vision.Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		Image:     img,
	}

	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
	return gst.FlowOK
}

// Read returns the next captured frame.
func (s *RTSPSource) Read(ctx context.Context) (*vision.Frame, error) {
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns the number of frames discarded because the consumer
// was not keeping up.
func (s *RTSPSource) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops the pipeline. Pending Read calls fail.
func (s *RTSPSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}

// rgbToRGBA expands packed RGB rows into an RGBA image.
func rgbToRGBA(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	si, di := 0, 0
	for i := 0; i < width*height; i++ {
		img.Pix[di] = data[si]
		img.Pix[di+1] = data[si+1]
		img.Pix[di+2] = data[si+2]
		img.Pix[di+3] = 0xFF
		si += 3
		di += 4
	}
	return img
}

// framerateCaps builds the appsink caps string. Fractional rates below
// 1 fps become 1/N framerates.
func framerateCaps(width, height int, fps float64) string {
	num, den := 1, 1
	if fps < 1.0 {
		den = int(1.0 / fps)
	} else {
		num = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}
