package docker

import (
	"sync"

	"github.com/docker/docker/api/types"
)

// hijackedStream adapts an attach connection to io.ReadCloser. Close may be
// called more than once.
type hijackedStream struct {
	resp types.HijackedResponse
	once sync.Once
}

func newHijackedStream(resp types.HijackedResponse) *hijackedStream {
	return &hijackedStream{resp: resp}
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Close() error {
	s.once.Do(s.resp.Close)
	return nil
}
