package wsua

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

var (
	errClosed  = errors.New("transport closed")
	errTimeout = errors.New("transaction timeout")
)

// clientTx клиентская транзакция поверх надежного транспорта:
// ретрансмиссии не нужны, ждем ответы до финального или таймаута.
type clientTx struct {
	key       string
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
	err       error
}

func (tx *clientTx) finish(err error) {
	tx.once.Do(func() {
		tx.err = err
		close(tx.done)
	})
}

// next ждет следующий ответ. Возвращает ошибку при таймауте, отмене или закрытии транспорта.
func (tx *clientTx) next(ctx context.Context, timeout *time.Timer) (*sip.Response, error) {
	select {
	case resp := <-tx.responses:
		return resp, nil
	case <-tx.done:
		// ответ мог прийти одновременно с закрытием
		select {
		case resp := <-tx.responses:
			return resp, nil
		default:
		}
		return nil, tx.err
	case <-timeout.C:
		return nil, errors.WithStack(errTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// final ждет финальный ответ, передавая предварительные в onProvisional
func (tx *clientTx) final(ctx context.Context, timeout time.Duration, onProvisional func(*sip.Response)) (*sip.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		resp, err := tx.next(ctx, timer)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 {
			if onProvisional != nil {
				onProvisional(resp)
			}
			continue
		}
		return resp, nil
	}
}

// txTable таблица клиентских транзакций по ключу branch+метод
type txTable struct {
	mu  sync.Mutex
	txs map[string]*clientTx
}

func newTxTable() *txTable {
	return &txTable{txs: make(map[string]*clientTx)}
}

func txKey(branch string, method sip.RequestMethod) string {
	return branch + "|" + string(method)
}

func requestKey(req *sip.Request) (string, error) {
	via := req.Via()
	if via == nil {
		return "", errors.New("request has no Via")
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return "", errors.New("request Via has no branch")
	}
	return txKey(branch, req.Method), nil
}

func responseKey(resp *sip.Response) (string, bool) {
	via := resp.Via()
	cseq := resp.CSeq()
	if via == nil || cseq == nil {
		return "", false
	}
	branch, ok := via.Params.Get("branch")
	if !ok {
		return "", false
	}
	return txKey(branch, cseq.MethodName), true
}

func (t *txTable) add(req *sip.Request) (*clientTx, error) {
	key, err := requestKey(req)
	if err != nil {
		return nil, err
	}
	tx := &clientTx{
		key:       key,
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.txs[key] = tx
	t.mu.Unlock()
	return tx, nil
}

func (t *txTable) remove(tx *clientTx) {
	t.mu.Lock()
	if cur, ok := t.txs[tx.key]; ok && cur == tx {
		delete(t.txs, tx.key)
	}
	t.mu.Unlock()
	tx.finish(errors.New("transaction removed"))
}

// dispatch передает ответ транзакции. false если транзакция не найдена.
func (t *txTable) dispatch(resp *sip.Response) bool {
	key, ok := responseKey(resp)
	if !ok {
		return false
	}
	t.mu.Lock()
	tx, ok := t.txs[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case tx.responses <- resp:
	case <-tx.done:
	default:
		// переполнение возможно только из-за дублей 1xx
	}
	return true
}

// closeAll завершает все транзакции с ошибкой
func (t *txTable) closeAll(err error) {
	t.mu.Lock()
	txs := t.txs
	t.txs = make(map[string]*clientTx)
	t.mu.Unlock()
	for _, tx := range txs {
		tx.finish(err)
	}
}
