// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package transport

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Transport used by worker tests so job
// supervision logic can be exercised without a real bastion or node.
// It does not perform any network I/O.
type Fake struct {
	mu sync.Mutex

	Connected bool
	Files     map[string][]byte
	AlivePIDs map[int]bool

	// ExecFunc, if set, is invoked by Exec instead of the default
	// no-op success response.
	ExecFunc func(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error)

	ConnectErr error
	ChannelUp  bool
}

var _ Transport = (*Fake)(nil)

// NewFake constructs a ready-to-use fake transport.
func NewFake() *Fake {
	return &Fake{
		Files:     make(map[string][]byte),
		AlivePIDs: make(map[int]bool),
		ChannelUp: true,
	}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.Connected = true
	f.ChannelUp = true
	return nil
}

func (f *Fake) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	f.mu.Lock()
	fn := f.ExecFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, cmd, timeout)
	}
	return ExecResult{ExitStatus: 0}, nil
}

func (f *Fake) PutFile(ctx context.Context, localBytes []byte, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[remotePath] = append([]byte(nil), localBytes...)
	return nil
}

func (f *Fake) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Files[remotePath], nil
}

func (f *Fake) IsAlivePID(ctx context.Context, pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AlivePIDs[pid], nil
}

func (f *Fake) KillPID(ctx context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AlivePIDs[pid] = false
	return nil
}

func (f *Fake) IsChannelAlive(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ChannelUp
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = false
	f.ChannelUp = false
	return nil
}

// SetPIDAlive lets a test control what IsAlivePID reports.
func (f *Fake) SetPIDAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AlivePIDs[pid] = alive
}
