// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"context"
	"sync"
	"syscall"
)

// fakeStore records committed rows; failFn decides whether an InsertBatch attempt fails
type fakeStore struct {
	mu         sync.Mutex
	target     Target
	targetErr  error
	committed  []Row
	attempts   int
	reconnects int
	failFn     func(rows []Row) error
	lookups    *fakeLookups
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		target:  Target{TableID: "table-1", TableVersionID: "version-1", OrganizationID: "org-1"},
		lookups: &fakeLookups{orgs: map[string]string{}, users: map[string]string{}},
	}
}

func (s *fakeStore) ResolveTarget(_ context.Context, tableID, _ string) (Target, error) {
	if s.targetErr != nil {
		return Target{}, s.targetErr
	}
	t := s.target
	t.TableID = tableID
	return t, nil
}

func (s *fakeStore) NewLookups() Lookups {
	return s.lookups
}

func (s *fakeStore) InsertBatch(_ context.Context, _ Target, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failFn != nil {
		if err := s.failFn(rows); err != nil {
			return err
		}
	}
	s.committed = append(s.committed, rows...)
	return nil
}

func (s *fakeStore) Reconnect(context.Context) error {
	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()
	return nil
}

type fakeLookups struct {
	orgs  map[string]string
	users map[string]string
	calls int
}

func (l *fakeLookups) OrganizationID(_ context.Context, code string) (*string, error) {
	l.calls++
	if id, ok := l.orgs[code]; ok {
		return &id, nil
	}
	return nil, nil
}

func (l *fakeLookups) UserID(_ context.Context, email string) (*string, error) {
	l.calls++
	if id, ok := l.users[email]; ok {
		return &id, nil
	}
	return nil, nil
}

// connReset fails like a dropped connection
var connReset = syscall.ECONNRESET

func failLargerThan(n int) func([]Row) error {
	return func(rows []Row) error {
		if len(rows) > n {
			return connReset
		}
		return nil
	}
}
