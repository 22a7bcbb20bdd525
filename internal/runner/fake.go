package runner

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Call records a single invocation of a command.
type Call struct {
	Name  string
	Args  []string
	Env   []string
	Stdin string
}

func (c Call) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Response is a pre-configured response for a command pattern.
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

// FakeRunner records command calls and returns pre-configured responses.
// Exported for use by engine and lifecycle tests.
type FakeRunner struct {
	mu        sync.Mutex
	Calls     []Call
	responses map[string]Response // key: "name arg1 arg2..."
	fallback  Response
}

// NewFakeRunner creates a FakeRunner that succeeds with no output by default.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		responses: make(map[string]Response),
	}
}

// SetResponse configures a response for a command string, a command with
// its first argument, or a bare command name.
func (f *FakeRunner) SetResponse(cmd string, resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmd] = resp
}

// SetFallback sets the default response for unmatched commands.
func (f *FakeRunner) SetFallback(resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = resp
}

// Run records the call and returns the matching response.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Name: name, Args: args}
	f.Calls = append(f.Calls, call)
	resp := f.lookup(call)
	return resp.Stdout, resp.Stderr, resp.Err
}

// Stream records the call together with everything read from stdin and
// writes the matching response's Stdout to stdout.
func (f *FakeRunner) Stream(_ context.Context, spec Spec, stdin io.Reader, stdout io.Writer) (string, error) {
	var in string
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		in = string(data)
	}

	f.mu.Lock()
	call := Call{Name: spec.Name, Args: spec.Args, Env: spec.Env, Stdin: in}
	f.Calls = append(f.Calls, call)
	resp := f.lookup(call)
	f.mu.Unlock()

	if resp.Stdout != "" && stdout != nil {
		if _, err := io.WriteString(stdout, resp.Stdout); err != nil {
			return resp.Stderr, err
		}
	}
	return resp.Stderr, resp.Err
}

func (f *FakeRunner) lookup(call Call) Response {
	if resp, ok := f.responses[call.String()]; ok {
		return resp
	}

	// Try matching just the command name with first arg for broader matches
	if len(call.Args) > 0 {
		partial := call.Name + " " + call.Args[0]
		if resp, ok := f.responses[partial]; ok {
			return resp
		}
	}

	if resp, ok := f.responses[call.Name]; ok {
		return resp
	}
	return f.fallback
}

// Called returns true if a command matching the prefix was recorded.
func (f *FakeRunner) Called(prefix string) bool {
	return f.CallCount(prefix) > 0
}

// CallCount returns the number of times a command matching the prefix was called.
func (f *FakeRunner) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}

// Find returns the recorded calls whose command name matches.
func (f *FakeRunner) Find(name string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded calls.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}

var _ CommandRunner = (*FakeRunner)(nil)
var _ CommandRunner = (*OSRunner)(nil)
