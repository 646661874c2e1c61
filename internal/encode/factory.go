package encode

import "github.com/sirupsen/logrus"

// Probe is one candidate encoder in the fallback order, typically a
// hardware codec whose availability must be checked at runtime.
type Probe struct {
	Name  string
	Build func() (Encoder, error)
}

// New probes the candidates once, in order, and falls back to the software
// JPEG encoder. The result is fixed for the lifetime of the session; a
// later probe failure never changes an already-selected encoder.
func New(quality int, width, height uint, probes ...Probe) Encoder {
	log := logrus.WithField("component", "encoder-factory")
	for _, p := range probes {
		enc, err := p.Build()
		if err != nil {
			log.WithField("encoder", p.Name).WithError(err).Info("encoder unavailable")
			continue
		}
		log.WithField("encoder", p.Name).Info("encoder selected")
		return enc
	}
	log.WithField("encoder", "jpeg-software").Debug("using software encoder")
	return NewJPEG(quality, width, height)
}
