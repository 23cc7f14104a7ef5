package phone

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// formEventName имя события перехода "SRC->DST"
func formEventName(src, dst string) string {
	return src + "->" + dst
}

// transitionEvents строит события looplab/fsm из таблицы допустимых переходов
func transitionEvents(table map[string][]string) fsm.Events {
	events := make(fsm.Events, 0, len(table)*2)
	for src, dsts := range table {
		for _, dst := range dsts {
			events = append(events, fsm.EventDesc{
				Name: formEventName(src, dst),
				Src:  []string{src},
				Dst:  dst,
			})
		}
	}
	return events
}

// errInvalidTransition недопустимый переход
var errInvalidTransition = errors.New("invalid state transition")

// transition переводит машину в dst. Переход в текущее состояние ничего не делает.
func transition(m *fsm.FSM, dst string) error {
	src := m.Current()
	if src == dst {
		return nil
	}
	err := m.Event(context.Background(), formEventName(src, dst))
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s: %v", errInvalidTransition, src, dst, err)
}
