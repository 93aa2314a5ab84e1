package biometric

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"biosign/go-backend/internal/authpolicy"
)

var ErrNoPresenter = errors.New("prompt surface has no presenter")

// AutoSurface answers every prompt with the same attempt.
type AutoSurface struct {
	Presenter Presenter
	Attempt   Attempt
}

func (a *AutoSurface) Show(_ context.Context, req Request) (<-chan Verdict, error) {
	if a == nil || a.Presenter == nil {
		return nil, ErrNoPresenter
	}
	ch := make(chan Verdict, 1)
	go func() {
		defer close(ch)
		ch <- a.Presenter.Present(req.Challenge, req.Spec.Authenticators(), a.Attempt)
	}()
	return ch, nil
}

// Step is one scripted prompt interaction. Verdict, when set, is delivered
// as is; otherwise Attempt is presented. Drop closes the prompt without a
// verdict, as when the host UI is destroyed.
type Step struct {
	Attempt Attempt
	Verdict *Verdict
	Drop    bool
	Delay   time.Duration
}

// ScriptedSurface plays queued steps in order and falls back to a default
// step once the queue is empty.
type ScriptedSurface struct {
	mu        sync.Mutex
	presenter Presenter
	steps     []Step
	fallback  Step
	shown     []Request
}

func NewScriptedSurface(p Presenter, fallback Step) *ScriptedSurface {
	return &ScriptedSurface{presenter: p, fallback: fallback}
}

func (s *ScriptedSurface) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Pending returns how many scripted steps are still queued.
func (s *ScriptedSurface) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Shown returns the requests shown so far.
func (s *ScriptedSurface) Shown() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.shown...)
}

func (s *ScriptedSurface) Show(ctx context.Context, req Request) (<-chan Verdict, error) {
	s.mu.Lock()
	step := s.fallback
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.shown = append(s.shown, req)
	presenter := s.presenter
	s.mu.Unlock()

	if step.Verdict == nil && !step.Drop && presenter == nil {
		return nil, ErrNoPresenter
	}
	ch := make(chan Verdict, 1)
	go func() {
		defer close(ch)
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		switch {
		case step.Drop:
			return
		case step.Verdict != nil:
			ch <- *step.Verdict
		default:
			ch <- presenter.Present(req.Challenge, req.Spec.Authenticators(), step.Attempt)
		}
	}()
	return ch, nil
}

// ConsoleSurface shows prompts on a terminal and reads the user's choice.
// One goroutine owns the input; a prompt that ends while the user is still
// typing leaves the next line to the prompt after it.
type ConsoleSurface struct {
	presenter Presenter
	in        io.Reader
	out       io.Writer
	turn      chan struct{}
	lines     chan string
	readOnce  sync.Once
}

func NewConsoleSurface(p Presenter, in io.Reader, out io.Writer) *ConsoleSurface {
	return &ConsoleSurface{
		presenter: p,
		in:        in,
		out:       out,
		turn:      make(chan struct{}, 1),
		lines:     make(chan string),
	}
}

func (c *ConsoleSurface) Show(ctx context.Context, req Request) (<-chan Verdict, error) {
	if c == nil || c.presenter == nil {
		return nil, ErrNoPresenter
	}
	c.readOnce.Do(func() { go c.readLines() })
	ch := make(chan Verdict, 1)
	go func() {
		defer close(ch)
		select {
		case c.turn <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-c.turn }()
		attempt, ok := c.ask(ctx, req)
		if !ok || ctx.Err() != nil {
			return
		}
		ch <- c.presenter.Present(req.Challenge, req.Spec.Authenticators(), attempt)
	}()
	return ch, nil
}

func (c *ConsoleSurface) readLines() {
	defer close(c.lines)
	r := bufio.NewReader(c.in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			c.lines <- line
		}
		if err != nil {
			return
		}
	}
}

// readLine returns false once ctx ends or the input is exhausted. A line
// not yet received stays queued.
func (c *ConsoleSurface) readLine(ctx context.Context) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	select {
	case line, ok := <-c.lines:
		return line, ok
	case <-ctx.Done():
		fmt.Fprintln(c.out, "\n(prompt closed)")
		return "", false
	}
}

func (c *ConsoleSurface) ask(ctx context.Context, req Request) (Attempt, bool) {
	spec := req.Spec
	fmt.Fprintf(c.out, "\n== %s ==\n", spec.Heading())
	if v, ok := spec.Subtitle(); ok {
		fmt.Fprintln(c.out, v)
	}
	if v, ok := spec.Description(); ok {
		fmt.Fprintln(c.out, v)
	}
	allowed := spec.Authenticators()
	fmt.Fprintln(c.out, "  [f <name>] use biometric")
	if allowed.Has(authpolicy.DeviceCredential) {
		fmt.Fprintln(c.out, "  [p <passcode>] use device credential")
	}
	cancel := "cancel"
	if v, ok := spec.CancelText(); ok {
		cancel = v
	}
	fmt.Fprintf(c.out, "  [c] %s\n> ", cancel)

	line, ok := c.readLine(ctx)
	if !ok {
		return Attempt{}, false
	}
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	var attempt Attempt
	switch strings.ToLower(cmd) {
	case "f":
		attempt = Attempt{Kind: AttemptBiometric, Finger: strings.TrimSpace(arg)}
	case "p":
		return Attempt{Kind: AttemptPasscode, Passcode: arg}, true
	default:
		return Attempt{Kind: AttemptCancel}, true
	}
	if confirm, ok := spec.ConfirmationRequired(); ok && confirm {
		fmt.Fprint(c.out, "confirm [y/N]: ")
		answer, ok := c.readLine(ctx)
		if !ok {
			return Attempt{}, false
		}
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			return Attempt{Kind: AttemptCancel}, true
		}
	}
	return attempt, true
}
