package taskmanager

// Notifier получает снимок задачи после каждого перехода состояния.
// Реализации не должны блокировать вызывающего.
type Notifier interface {
	TaskUpdated(task Task)
	TaskRemoved(taskID string)
}

// MultiNotifier рассылает события нескольким получателям.
type MultiNotifier []Notifier

func (m MultiNotifier) TaskUpdated(task Task) {
	for _, n := range m {
		if n != nil {
			n.TaskUpdated(task)
		}
	}
}

func (m MultiNotifier) TaskRemoved(taskID string) {
	for _, n := range m {
		if n != nil {
			n.TaskRemoved(taskID)
		}
	}
}

type noopNotifier struct{}

func (noopNotifier) TaskUpdated(Task)   {}
func (noopNotifier) TaskRemoved(string) {}
