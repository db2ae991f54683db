package notify

import (
	"sync"

	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog/log"
)

type ToastType string

const (
	ToastError   ToastType = "error"
	ToastSuccess ToastType = "success"
	ToastInfo    ToastType = "info"
)

const MaxToasts = 10

type Toast struct {
	ID      string
	Message string
	Type    ToastType
}

// Notifier surfaces user-facing messages, typically failed generations.
type Notifier interface {
	Notify(message string, t ToastType)
}

// ToastQueue keeps the last MaxToasts notifications, dropping the oldest.
type ToastQueue struct {
	mu     sync.Mutex
	toasts []Toast
}

func NewToastQueue() *ToastQueue {
	return &ToastQueue{}
}

func (q *ToastQueue) Add(message string, t ToastType) Toast {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.toasts) >= MaxToasts {
		q.toasts = q.toasts[len(q.toasts)-MaxToasts+1:]
	}
	toast := Toast{ID: "toast_" + shortuuid.New(), Message: message, Type: t}
	q.toasts = append(q.toasts, toast)

	log.Debug().Str("toast_id", toast.ID).Str("type", string(t)).Str("message", message).Msg("Added toast")
	return toast
}

func (q *ToastQueue) Notify(message string, t ToastType) {
	q.Add(message, t)
}

func (q *ToastQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.toasts {
		if t.ID == id {
			q.toasts = append(q.toasts[:i:i], q.toasts[i+1:]...)
			return true
		}
	}
	return false
}

func (q *ToastQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.toasts = nil
}

func (q *ToastQueue) List() []Toast {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Toast(nil), q.toasts...)
}

var _ Notifier = (*ToastQueue)(nil)
