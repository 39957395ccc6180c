package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/tsbx/internal/errs"
)

// FakeAdapter is an in-memory Adapter used by control-plane unit tests,
// modeling a fixed filesystem per container as a flat path->bytes map.
type FakeAdapter struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	volumes    map[string]bool

	// ExecFunc, when set, overrides ExecCollect's canned response so tests
	// can simulate specific command behavior (e.g. a plan.md read).
	ExecFunc func(id string, argv []string) (*ExecResult, error)
}

type fakeContainer struct {
	running bool
	files   map[string][]byte
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		containers: map[string]*fakeContainer{},
		volumes:    map[string]bool{},
	}
}

func (f *FakeAdapter) Close() error { return nil }

func (f *FakeAdapter) CreateContainer(_ context.Context, id string, _ CreateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{running: true, files: map[string][]byte{}}
	return nil
}

func (f *FakeAdapter) StopAndRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *FakeAdapter) ExecCollect(_ context.Context, id string, argv []string, _ ExecOptions) (*ExecResult, error) {
	f.mu.Lock()
	_, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotAvailable, fmt.Sprintf("container %s absent", id))
	}
	if f.ExecFunc != nil {
		return f.ExecFunc(id, argv)
	}
	return &ExecResult{ExitCode: 0, Stdout: []byte("")}, nil
}

func (f *FakeAdapter) UploadTar(_ context.Context, id string, tarBytes io.Reader, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errs.New(errs.KindNotAvailable, fmt.Sprintf("container %s absent", id))
	}
	data, err := io.ReadAll(tarBytes)
	if err != nil {
		return err
	}
	c.files[dest] = data
	return nil
}

func (f *FakeAdapter) DownloadTar(_ context.Context, id string, src string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, errs.New(errs.KindNotAvailable, fmt.Sprintf("container %s absent", id))
	}
	data, ok := c.files[src]
	if !ok {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("path %s not found", src))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *FakeAdapter) InspectHealth(_ context.Context, id string) (Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return HealthAbsent, nil
	}
	if !c.running {
		return HealthStopped, nil
	}
	return HealthRunningResponsive, nil
}

func (f *FakeAdapter) CreateVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *FakeAdapter) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

// SetStopped marks a container as present but not running, for reconciler
// health-sweep tests.
func (f *FakeAdapter) SetStopped(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
}

var _ Adapter = (*FakeAdapter)(nil)
