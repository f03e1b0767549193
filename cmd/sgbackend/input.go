package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/mapstack/scenegraph/internal/backend"
	"github.com/mapstack/scenegraph/internal/dsg"
	"github.com/mapstack/scenegraph/internal/pgmo"
)

const maxRecordBytes = 64 << 20

var errEmptyRecord = errors.New("record has no input, loop_closure or frontend")

// record is one line of a session log. Exactly one field is set.
type record struct {
	Input       *backend.Input             `json:"input,omitempty"`
	LoopClosure *pgmo.RegistrationSolution `json:"loop_closure,omitempty"`
	Frontend    *dsg.GraphSnapshot         `json:"frontend,omitempty"`
}

func (r record) validate() error {
	n := 0
	for _, set := range []bool{r.Input != nil, r.LoopClosure != nil, r.Frontend != nil} {
		if set {
			n++
		}
	}
	switch n {
	case 0:
		return errEmptyRecord
	case 1:
		return nil
	default:
		return fmt.Errorf("record sets %d fields, want one", n)
	}
}

// readRecords calls fn for each JSON line of r. Blank lines and lines
// starting with '#' are skipped.
func readRecords(r io.Reader, fn func(record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxRecordBytes)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var rec record
		if err := json.Unmarshal(b, &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := rec.validate(); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

// feeder applies records to a module and its frontend graph.
type feeder struct {
	m        *backend.Module
	frontend *dsg.SharedGraph
	// push queues inputs for Run; otherwise each input is processed in place.
	push bool
	ctx  context.Context

	inputs, loopClosures, frontends atomic.Int64
}

func (f *feeder) apply(rec record) error {
	switch {
	case rec.Frontend != nil:
		g, err := dsg.GraphFromSnapshot(rec.Frontend)
		if err != nil {
			return err
		}
		f.frontend.Replace(g)
		f.frontends.Add(1)
	case rec.LoopClosure != nil:
		f.m.PushLoopClosure(*rec.LoopClosure)
		f.loopClosures.Add(1)
	case rec.Input != nil:
		f.inputs.Add(1)
		if f.push {
			f.m.Push(*rec.Input)
			return nil
		}
		return f.m.SpinOnce(f.ctx, *rec.Input, false)
	}
	return nil
}
