package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/webphone/pkg/phone"
)

const defaultDialTimeout = 30 * time.Second

const helpText = `commands:
  call NUMBER  позвонить
  hangup       завершить вызов
  hold         удержание / возобновление
  status       текущее состояние
  connect      подключиться заново
  quit         выход`

// command разобранная строка интерактивного режима
type command struct {
	name string
	arg  string
}

var errUnknownCommand = errors.New("unknown command")

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	cmd := command{name: strings.ToLower(fields[0])}
	switch cmd.name {
	case "call", "dial":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: call NUMBER")
		}
		cmd.name = "call"
		cmd.arg = fields[1]
	case "hangup", "hold", "status", "connect", "quit", "help":
		if len(fields) != 1 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.name)
		}
	case "exit":
		cmd.name = "quit"
	default:
		return command{}, fmt.Errorf("%w %q", errUnknownCommand, fields[0])
	}
	return cmd, nil
}

// execute выполняет команду. Возвращает true для quit.
func execute(ctx context.Context, p *phone.Phone, cmd command, out io.Writer) (bool, error) {
	switch cmd.name {
	case "":
		return false, nil
	case "call":
		return false, p.MakeCall(ctx, cmd.arg)
	case "hangup":
		return false, p.Hangup(ctx)
	case "hold":
		return false, p.ToggleHold(ctx)
	case "status":
		fmt.Fprintln(out, p.State())
		return false, nil
	case "connect":
		return false, p.Connect(ctx)
	case "help":
		fmt.Fprintln(out, helpText)
		return false, nil
	case "quit":
		return true, nil
	}
	return false, fmt.Errorf("%w %q", errUnknownCommand, cmd.name)
}

func runInteractive(ctx context.Context, c *cli.Command) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	a.start(gctx, g, os.Stdout)

	g.Go(func() error {
		states, unsubscribe := a.phone.Subscribe()
		defer unsubscribe()
		for {
			select {
			case s, ok := <-states:
				if !ok {
					return nil
				}
				fmt.Fprintln(os.Stdout, "*", s)
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := a.phone.Connect(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	fmt.Fprintln(os.Stdout, helpText)

	lines := readLines(gctx, os.Stdin)

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				cmd, err := parseCommand(line)
				if err != nil {
					fmt.Fprintln(os.Stdout, err)
					continue
				}
				quit, err := execute(gctx, a.phone, cmd, os.Stdout)
				if err != nil {
					fmt.Fprintln(os.Stdout, "error:", err)
				}
				if quit {
					return nil
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

// readLines читает строки r до EOF или отмены ctx.
// Чтение из терминала не прерывается: после отмены горутина завершится
// на следующей строке или EOF, а до тех пор живет до выхода процесса.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func runDial(ctx context.Context, c *cli.Command) error {
	number := c.Args().First()
	if number == "" {
		return fmt.Errorf("usage: webphone dial NUMBER")
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	a.start(gctx, g, os.Stdout)

	g.Go(func() error {
		defer cancel()
		return dial(gctx, a.phone, number, c.Duration("timeout"), c.Duration("duration"))
	})
	return g.Wait()
}

// dial регистрируется, звонит и держит вызов duration (0 - до отмены ctx)
func dial(ctx context.Context, p *phone.Phone, number string, timeout, duration time.Duration) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	snap, err := p.WaitFor(waitCtx, func(s phone.Snapshot) bool {
		return s.Connection == phone.ConnectionRegistered || s.Connection == phone.ConnectionFailed
	})
	cancel()
	if err != nil {
		return fmt.Errorf("registration: %w (state %s)", err, snap)
	}
	if snap.Connection != phone.ConnectionRegistered {
		return phone.ErrConnectionFailed
	}

	if err := p.MakeCall(ctx, number); err != nil {
		return err
	}

	waitCtx, cancel = context.WithTimeout(ctx, timeout)
	snap, err = p.WaitFor(waitCtx, func(s phone.Snapshot) bool {
		return s.Call == phone.CallInCall || s.Call.IsTerminal()
	})
	cancel()
	if err != nil {
		_ = p.Hangup(context.Background())
		return fmt.Errorf("no answer: %w", err)
	}
	if snap.Call != phone.CallInCall {
		return fmt.Errorf("call %s", snap.Call)
	}
	fmt.Fprintln(os.Stdout, "*", snap)

	var timer <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		timer = t.C
	}
	ended, unsubscribe := p.Subscribe()
	defer unsubscribe()
	for {
		select {
		case s, ok := <-ended:
			if !ok || s.Call.IsTerminal() {
				return nil
			}
		case <-timer:
			return p.Hangup(context.Background())
		case <-ctx.Done():
			return p.Hangup(context.Background())
		}
	}
}
