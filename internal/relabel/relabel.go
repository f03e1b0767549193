// Package relabel receives remote room-name updates for the backend graph.
package relabel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mapstack/scenegraph/internal/dsg"
)

// ErrNoGraph is returned for an update that carries no names.
var ErrNoGraph = errors.New("relabel update without payload")

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("relabel source closed")

// Update assigns names to room nodes.
type Update struct {
	Names map[dsg.NodeID]string
}

// Source delivers updates to the backend's relabel goroutine. Recv returns
// (nil, nil) when timeout elapses without an update.
type Source interface {
	Recv(ctx context.Context, timeout time.Duration) (*Update, error)
	Close() error
}

type wireUpdate struct {
	Rooms map[string]string `json:"rooms"`
}

// ParseUpdate decodes a payload of the form {"rooms": {"R(1)": "kitchen"}}.
// Node ids may be given as labels or as raw integers.
func ParseUpdate(payload []byte) (*Update, error) {
	if len(payload) == 0 {
		return nil, ErrNoGraph
	}
	var w wireUpdate
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode relabel update: %w", err)
	}
	if len(w.Rooms) == 0 {
		return nil, ErrNoGraph
	}
	u := &Update{Names: make(map[dsg.NodeID]string, len(w.Rooms))}
	for key, name := range w.Rooms {
		id, err := dsg.ParseNodeID(key)
		if err != nil {
			return nil, fmt.Errorf("relabel update: %w", err)
		}
		u.Names[id] = name
	}
	return u, nil
}

// ChanSource is a Source fed from a channel of raw payloads. The backend
// uses it for replayed sessions.
type ChanSource struct {
	C    chan []byte
	done chan struct{}
}

// NewChanSource returns a source with the given buffer size.
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{C: make(chan []byte, buffer), done: make(chan struct{})}
}

func (s *ChanSource) Recv(ctx context.Context, timeout time.Duration) (*Update, error) {
	return recv(ctx, s.C, s.done, timeout)
}

func (s *ChanSource) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func recv(ctx context.Context, c <-chan []byte, done <-chan struct{}, timeout time.Duration) (*Update, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, nil
	case payload := <-c:
		u, err := ParseUpdate(payload)
		if err != nil {
			return nil, err
		}
		tracef("received names for %d rooms", len(u.Names))
		return u, nil
	}
}
