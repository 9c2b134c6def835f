package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// TimeoutManager runs pipeline steps under named cooperative deadlines. It is
// timer-based and never touches process signals, so concurrent worker slots
// can share one instance. Entries are removed on every exit path.
type TimeoutManager struct {
	mu     sync.Mutex
	active map[string]time.Time
}

// NewTimeoutManager builds an empty manager.
func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{active: map[string]time.Time{}}
}

// Do runs fn under the named deadline. Expiry surfaces as a transient
// failure wrapping the deadline error; callers decide whether the step
// escalates it to fatal.
func (m *TimeoutManager) Do(ctx context.Context, name string, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	key := m.register(name, d)
	defer m.release(key)

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=timeout.Do: step %s exceeded %s: %w", name, d, domain.ErrTransient)
	}
	return err
}

// Active returns the names of steps currently under a deadline.
func (m *TimeoutManager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for key := range m.active {
		out = append(out, key)
	}
	return out
}

func (m *TimeoutManager) register(name string, d time.Duration) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Suffix with the monotonic start so concurrent slots running the same
	// step never collide.
	key := fmt.Sprintf("%s@%d", name, time.Now().UnixNano())
	m.active[key] = time.Now().Add(d)
	return key
}

func (m *TimeoutManager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, key)
}
