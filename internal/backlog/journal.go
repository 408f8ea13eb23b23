package backlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type opKind string

const (
	opEnqueue opKind = "enqueue"
	opClaim   opKind = "claim"
	opAck     opKind = "ack"
	opNack    opKind = "nack"
	opExtend  opKind = "extend"
	opExpire  opKind = "expire"
	opDead    opKind = "dead"
)

// record is one journal line. Enqueue carries the full task; every other
// operation references a task by ID.
type record struct {
	Op       opKind    `json:"op"`
	At       time.Time `json:"at"`
	Task     *Task     `json:"task,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	Worker   string    `json:"worker,omitempty"`
	Deadline time.Time `json:"deadline,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

type journal struct {
	path string
}

func (j *journal) append(r record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("backlog: marshal journal record: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("backlog: open journal: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("backlog: append journal: %w", err)
	}
	return file.Sync()
}

// replay streams every parseable record through fn. Unparsable lines are
// skipped so a torn final write does not brick the queue.
func (j *journal) replay(fn func(record) error) error {
	file, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// rewrite atomically replaces the journal with the given records.
func (j *journal) rewrite(records []record) error {
	var buf []byte
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("backlog: marshal journal record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	tmp := j.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
