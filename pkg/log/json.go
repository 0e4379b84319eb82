// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller"`

	// Token is the page table a memory message is about, taken from the
	// "token N: " prefix the memory packages log with.
	Token *uint64 `json:"token,omitempty"`

	Msg string `json:"msg"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names and their integer values.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// splitToken splits a leading "token N: " off msg.
func splitToken(msg string) (*uint64, string) {
	rest, ok := strings.CutPrefix(msg, "token ")
	if !ok {
		return nil, msg
	}
	num, rest, ok := strings.Cut(rest, ": ")
	if !ok {
		return nil, msg
	}
	t, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return nil, msg
	}
	return &t, rest
}

// JSONEmitter logs messages as one JSON object per line. The call site is
// attributed the same way as GoogleEmitter.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	token, msg := splitToken(fmt.Sprintf(format, v...))
	b, err := json.Marshal(jsonLog{
		Time:   timestamp,
		Level:  level,
		Caller: callerOf(depth),
		Token:  token,
		Msg:    msg,
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
