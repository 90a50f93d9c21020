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
	"testing"
	"time"
)

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's/a/path")
	want := `'it'\''s/a/path'`
	if got != want {
		t.Fatalf("shellQuote mismatch: got %q want %q", got, want)
	}
}

func TestFakeTransportPutFileThenReadFile(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	payload := []byte("print('hello')")
	if err := f.PutFile(ctx, payload, "/tmp/run/main.py"); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	got, err := f.ReadFile(ctx, "/tmp/run/main.py")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, payload)
	}
}

func TestFakeTransportPIDLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	f.SetPIDAlive(1234, true)
	alive, err := f.IsAlivePID(ctx, 1234)
	if err != nil || !alive {
		t.Fatalf("expected pid alive, got alive=%v err=%v", alive, err)
	}

	if err := f.KillPID(ctx, 1234); err != nil {
		t.Fatalf("KillPID failed: %v", err)
	}
	alive, err = f.IsAlivePID(ctx, 1234)
	if err != nil || alive {
		t.Fatalf("expected pid dead after kill, got alive=%v err=%v", alive, err)
	}
}

func TestFakeTransportExecFuncOverride(t *testing.T) {
	f := NewFake()
	f.ExecFunc = func(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
		return ExecResult{Stdout: []byte("ok"), ExitStatus: 7}, nil
	}
	res, err := f.Exec(context.Background(), "whatever", time.Second)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.ExitStatus != 7 || string(res.Stdout) != "ok" {
		t.Fatalf("unexpected exec result: %+v", res)
	}
}
