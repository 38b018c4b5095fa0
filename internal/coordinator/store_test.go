package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/marcusmccarty/branch-deploy/internal/model"
	"github.com/marcusmccarty/branch-deploy/internal/store"
)

// memStore is an in-memory store.Store that records calls and can be told
// to fail individual operations.
type memStore struct {
	mu       sync.Mutex
	branches map[string]string
	files    map[string][]byte
	nulls    map[string]bool
	fail     map[string]error
	calls    []string
}

func newMemStore() *memStore {
	return &memStore{
		branches: map[string]string{"main": ""},
		files:    map[string][]byte{},
		nulls:    map[string]bool{},
		fail:     map[string]error{},
	}
}

func (m *memStore) record(op, branch string) error {
	call := op + " " + branch
	m.calls = append(m.calls, call)
	return m.fail[call]
}

func (m *memStore) putBranch(branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[branch] = "main"
}

func (m *memStore) putFile(branch string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[branch] = "main"
	m.files[branch] = data
}

func (m *memStore) putNull(branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[branch] = "main"
	m.nulls[branch] = true
}

func (m *memStore) failOn(call string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[call] = err
}

func (m *memStore) called(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *memStore) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, "ensure ") || strings.HasPrefix(c, "write ") {
			n++
		}
	}
	return n
}

func (m *memStore) BranchExists(_ context.Context, branch string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("exists", branch); err != nil {
		return false, err
	}
	_, ok := m.branches[branch]
	return ok, nil
}

func (m *memStore) EnsureBranch(_ context.Context, branch, baseRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ensure", branch); err != nil {
		return false, err
	}
	if _, ok := m.branches[baseRef]; !ok {
		return false, fmt.Errorf("base ref %s: %w", baseRef, store.ErrNotFound)
	}
	if _, ok := m.branches[branch]; ok {
		return false, nil
	}
	m.branches[branch] = baseRef
	return true, nil
}

func (m *memStore) ReadFile(_ context.Context, branch, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("read", branch); err != nil {
		return nil, err
	}
	if m.nulls[branch] {
		return nil, nil
	}
	data, ok := m.files[branch]
	if !ok {
		return nil, fmt.Errorf("file %s on branch %s: %w", path, branch, store.ErrNotFound)
	}
	return data, nil
}

func (m *memStore) WriteFile(_ context.Context, branch, _ string, content []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("write", branch); err != nil {
		return err
	}
	if _, ok := m.branches[branch]; !ok {
		return fmt.Errorf("branch %s: %w", branch, store.ErrNotFound)
	}
	m.files[branch] = content
	delete(m.nulls, branch)
	return nil
}

func (m *memStore) DefaultRef(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("default_ref", ""); err != nil {
		return "", err
	}
	return "main", nil
}

func (m *memStore) Ping(context.Context) error  { return nil }
func (m *memStore) Close(context.Context) error { return nil }

// recordingNotifier collects posted comments.
type recordingNotifier struct {
	mu       sync.Mutex
	comments []string
	err      error
}

func (n *recordingNotifier) PostComment(_ context.Context, _ model.RequestContext, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.comments = append(n.comments, body)
	return n.err
}

func (n *recordingNotifier) posted() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.comments...)
}
