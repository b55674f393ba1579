// Package engine is the client side of the external judging engine's
// submit/poll contract (Judge0 compatible).
package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// Engine status ids. Ids up to StatusProcessing are non-terminal.
const (
	StatusInQueue             = 1
	StatusProcessing          = 2
	StatusAccepted            = 3
	StatusWrongAnswer         = 4
	StatusTimeLimitExceeded   = 5
	StatusCompilationError    = 6
	StatusRuntimeErrorFirst   = 7
	StatusRuntimeErrorLast    = 12
	StatusInternalError       = 13
	StatusExecFormatError     = 14
	lastNonTerminalStatusCode = StatusProcessing
)

// Unit is one test case worth of work sent to the engine.
type Unit struct {
	SourceCode     string
	LanguageID     int
	Stdin          string
	ExpectedOutput string
	// CPUTimeLimit in seconds and MemoryLimit in KB; zero leaves the engine default.
	CPUTimeLimit float64
	MemoryLimit  int64
}

// Token identifies a job queued in the engine.
type Token string

// Status is the engine's status object.
type Status struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// Verdict is the engine's view of one job, terminal or not.
type Verdict struct {
	Token         string   `json:"token"`
	Status        *Status  `json:"status"`
	Stdout        *string  `json:"stdout"`
	Stderr        *string  `json:"stderr"`
	CompileOutput *string  `json:"compile_output"`
	Message       *string  `json:"message"`
	Time          *Seconds `json:"time"`
	Memory        *int64   `json:"memory"`

	// Encoded is set when text fields were requested base64 encoded.
	Encoded bool `json:"-"`
}

// IsTerminal reports whether the job has finished. A verdict without a
// status is treated as still running.
func (v *Verdict) IsTerminal() bool {
	return v != nil && v.Status != nil && v.Status.ID > lastNonTerminalStatusCode
}

// Accepted reports whether the job passed.
func (v *Verdict) Accepted() bool {
	return v != nil && v.Status != nil && v.Status.ID == StatusAccepted
}

// StatusID returns the status id or 0 when absent.
func (v *Verdict) StatusID() int {
	if v == nil || v.Status == nil {
		return 0
	}
	return v.Status.ID
}

// ElapsedMillis converts the engine's seconds to milliseconds.
func (v *Verdict) ElapsedMillis() float64 {
	if v == nil || v.Time == nil {
		return 0
	}
	return float64(*v.Time) * 1000
}

// MemoryKB returns the reported memory, 0 when absent.
func (v *Verdict) MemoryKB() int64 {
	if v == nil || v.Memory == nil {
		return 0
	}
	return *v.Memory
}

func (v *Verdict) text(p *string) string {
	if p == nil {
		return ""
	}
	if v.Encoded {
		return DecodeText(*p)
	}
	return *p
}

// StdoutText returns decoded stdout.
func (v *Verdict) StdoutText() string { return v.text(v.Stdout) }

// DiagnosticText returns stderr when present, otherwise compile output,
// otherwise the engine message.
func (v *Verdict) DiagnosticText() string {
	if s := v.text(v.Stderr); s != "" {
		return s
	}
	if s := v.text(v.CompileOutput); s != "" {
		return s
	}
	return v.text(v.Message)
}

// DecodeText decodes base64 text as produced by the engine, which may wrap
// lines. Undecodable input is returned unchanged. Invalid UTF-8 in the
// decoded bytes is replaced with U+FFFD so the text can be stored as is.
func DecodeText(raw string) string {
	if raw == "" {
		return raw
	}
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, raw)
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return raw
	}
	return strings.ToValidUTF8(string(decoded), "\uFFFD")
}

// Seconds accepts both the numeric and the quoted decimal forms engines use.
type Seconds float64

func (s *Seconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			return nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*s = Seconds(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Seconds(f)
	return nil
}
