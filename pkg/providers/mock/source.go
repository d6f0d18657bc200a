// Package mock provides in-memory capture sources and a scripted backend for
// tests and the runnable example.
package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/scribeflow/pkg/capture"
)

// Provider hands out in-memory audio sources. Acquisition can be forced to
// fail to exercise permission-denied paths.
type Provider struct {
	mu         sync.Mutex
	acquireErr error
	sources    []*Source
}

var _ capture.Provider = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{}
}

// FailAcquire makes every subsequent Acquire return err (nil restores).
func (p *Provider) FailAcquire(err error) {
	p.mu.Lock()
	p.acquireErr = err
	p.mu.Unlock()
}

func (p *Provider) Acquire(context.Context) (capture.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	source := &Source{}
	p.sources = append(p.sources, source)
	return source, nil
}

// Sources returns every source handed out so far.
func (p *Provider) Sources() []*Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Source, len(p.sources))
	copy(out, p.sources)
	return out
}

// Last returns the most recently acquired source, or nil.
func (p *Provider) Last() *Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sources) == 0 {
		return nil
	}
	return p.sources[len(p.sources)-1]
}

// Source is one exclusively-held in-memory device handle.
type Source struct {
	mu        sync.Mutex
	instances []*Instance
	released  bool
}

var _ capture.Source = (*Source)(nil)

func (s *Source) NewInstance() (capture.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := &Instance{}
	s.instances = append(s.instances, inst)
	return inst, nil
}

func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

func (s *Source) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Source) InstanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Feed appends an audio fragment to the currently running instance. Fragments
// fed while no instance runs are dropped, like a real muted device.
func (s *Source) Feed(fragment []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.instances) - 1; i >= 0; i-- {
		if s.instances[i].Running() {
			s.instances[i].feed(fragment)
			return
		}
	}
}

// Instance buffers fed fragments between Start and Stop.
type Instance struct {
	mu        sync.Mutex
	running   bool
	fragments [][]byte
}

var _ capture.Instance = (*Instance)(nil)

func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	return nil
}

func (i *Instance) Stop() ([][]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = false
	out := i.fragments
	i.fragments = nil
	return out, nil
}

func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Instance) feed(fragment []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		i.fragments = append(i.fragments, fragment)
	}
}
