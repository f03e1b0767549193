package relabel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mapstack/scenegraph/internal/dsg"
)

func TestParseUpdate(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"rooms": {"R(1)": "kitchen", "R(2)": "hall"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Names[dsg.NewNodeID('R', 1)]; got != "kitchen" {
		t.Errorf("R(1) = %q", got)
	}
	if len(u.Names) != 2 {
		t.Errorf("names = %v", u.Names)
	}
}

func TestParseUpdateErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		noGraph bool
	}{
		{"empty", ``, true},
		{"no rooms", `{"rooms": {}}`, true},
		{"bad json", `{"rooms":`, false},
		{"bad id", `{"rooms": {"nope": "x"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUpdate([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrNoGraph) != tt.noGraph {
				t.Errorf("err = %v, ErrNoGraph expected %v", err, tt.noGraph)
			}
		})
	}
}

func TestChanSource(t *testing.T) {
	s := NewChanSource(1)
	ctx := context.Background()

	u, err := s.Recv(ctx, time.Millisecond)
	if u != nil || err != nil {
		t.Fatalf("empty source returned %v, %v", u, err)
	}

	s.C <- []byte(`{"rooms": {"R(3)": "lab"}}`)
	u, err = s.Recv(ctx, time.Second)
	if err != nil || u.Names[dsg.NewNodeID('R', 3)] != "lab" {
		t.Fatalf("Recv = %+v, %v", u, err)
	}

	s.Close()
	s.Close()
	if _, err := s.Recv(ctx, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("err after Close = %v", err)
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTSourceHandlesMessages(t *testing.T) {
	s := newMQTTSource(MQTTOptions{Topic: "rooms", Buffer: 1})
	s.handleMessage(nil, fakeMessage{topic: "rooms", payload: []byte(`{"rooms": {"R(1)": "a"}}`)})
	// buffer full: dropped
	s.handleMessage(nil, fakeMessage{topic: "rooms", payload: []byte(`{"rooms": {"R(1)": "b"}}`)})

	u, err := s.Recv(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Names[dsg.NewNodeID('R', 1)]; got != "a" {
		t.Errorf("name = %q, want a", got)
	}
	if u, _ := s.Recv(context.Background(), time.Millisecond); u != nil {
		t.Errorf("dropped payload delivered: %+v", u)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewMQTTSourceRequiresBroker(t *testing.T) {
	if _, err := NewMQTTSource(MQTTOptions{}); err == nil {
		t.Errorf("expected error without broker")
	}
}
