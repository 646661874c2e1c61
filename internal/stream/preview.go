package stream

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Preview republishes reconstructed JPEG frames as MJPEG over RTSP so any
// stock player can inspect the received stream. Use its Publish method as
// (or inside) the receiver's frame sink.
type Preview struct {
	server *gortsplib.Server
	stream *gortsplib.ServerStream
	media  *description.Media
	mjpeg  *format.MJPEG

	payloadMax int
	clockStep  uint32

	mu  sync.Mutex
	seq uint16
	ts  uint32

	activeClients int32
	log           *logrus.Entry
}

type previewHandler struct {
	p    *Preview
	path string
}

func (h *previewHandler) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	h.p.log.WithField("remote", ctx.Conn.NetConn().RemoteAddr()).Info("preview client connected")
}

func (h *previewHandler) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	atomic.AddInt32(&h.p.activeClients, -1)
	h.p.log.Info("preview client disconnected")
}

func (h *previewHandler) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if ctx.Path != "/"+h.path {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, h.p.stream, nil
}

func (h *previewHandler) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if ctx.Path != "/"+h.path {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, h.p.stream, nil
}

func (h *previewHandler) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	atomic.AddInt32(&h.p.activeClients, 1)
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// NewPreview starts the RTSP server and initializes the MJPEG stream.
func NewPreview(port int, path string, payloadMax, fps int) (*Preview, error) {
	p := &Preview{
		mjpeg:      &format.MJPEG{},
		payloadMax: payloadMax,
		clockStep:  90000 / uint32(fps),
		log:        logrus.WithField("component", "preview"),
	}
	p.media = &description.Media{
		Type:    description.MediaTypeVideo,
		Control: "trackID=0",
		Formats: []format.Format{p.mjpeg},
	}
	p.server = &gortsplib.Server{
		RTSPAddress:   fmt.Sprintf(":%d", port),
		Handler:       &previewHandler{p: p, path: path},
		MaxPacketSize: 1472,
	}
	if err := p.server.Start(); err != nil {
		return nil, fmt.Errorf("preview: start rtsp server: %w", err)
	}

	p.stream = &gortsplib.ServerStream{
		Server: p.server,
		Desc: &description.Session{
			Medias: []*description.Media{p.media},
			Title:  "Multicast Screen Preview",
		},
	}
	if err := p.stream.Initialize(); err != nil {
		p.server.Close()
		return nil, fmt.Errorf("preview: initialize stream: %w", err)
	}

	p.log.WithField("url", fmt.Sprintf("rtsp://localhost:%d/%s", port, path)).Info("preview ready")
	return p, nil
}

// rtpJPEGHeader is the 8-byte RTP/JPEG payload header: fragment offset,
// type, quality and dimensions in 8-pixel units.
func rtpJPEGHeader(offset, width, height int) []byte {
	h := make([]byte, 8)
	h[0] = 0x00
	h[1] = byte(offset >> 16)
	h[2] = byte(offset >> 8)
	h[3] = byte(offset)
	h[4] = 1
	h[5] = 0x01
	h[6] = byte(width / 8)
	h[7] = byte(height / 8)
	return h
}

// Publish fragments one JPEG frame into RTP packets and writes them to the
// stream. Frames are dropped when no client is playing or the payload is
// not decodable as JPEG.
func (p *Preview) Publish(frame []byte) {
	if atomic.LoadInt32(&p.activeClients) == 0 {
		return
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		p.log.WithError(err).Debug("preview skipping undecodable frame")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	offset := 0
	for offset < len(frame) {
		payloadSize := p.payloadMax - 8
		if remain := len(frame) - offset; remain < payloadSize {
			payloadSize = remain
		}
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    p.mjpeg.PayloadType(),
				SequenceNumber: p.seq,
				Timestamp:      p.ts,
				SSRC:           0x4D435353,
				Marker:         offset+payloadSize >= len(frame),
			},
			Payload: append(rtpJPEGHeader(offset, cfg.Width, cfg.Height), frame[offset:offset+payloadSize]...),
		}
		if err := p.stream.WritePacketRTP(p.media, packet); err != nil {
			p.log.WithError(err).Debug("preview packet write failed")
		}
		offset += payloadSize
		p.seq++
	}
	p.ts += p.clockStep
}

// Close shuts the RTSP server down.
func (p *Preview) Close() {
	p.stream.Close()
	p.server.Close()
}
