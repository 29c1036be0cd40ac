package agenda

const (
	EventReady    = "ready"
	EventError    = "error"
	EventStart    = "start"
	EventComplete = "complete"
	EventSuccess  = "success"
	EventFail     = "fail"
)

// Event is delivered to listeners. Job is nil for scheduler level events
// (ready, error).
type Event struct {
	Name string
	Job  *Job
	Err  error
}

type Listener func(Event)

// JobEvent returns the per-definition variant of a job event, e.g.
// "start:send-email".
func JobEvent(event, name string) string {
	return event + ":" + name
}

// On subscribes l to event. Listeners run synchronously on the goroutine
// that emits the event.
func (s *Scheduler) On(event string, l Listener) *Scheduler {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	s.listeners[event] = append(s.listeners[event], l)
	return s
}

func (s *Scheduler) emit(e Event) {
	s.lmu.RLock()
	listeners := append([]Listener(nil), s.listeners[e.Name]...)
	s.lmu.RUnlock()

	for _, l := range listeners {
		s.notify(l, e)
	}
}

func (s *Scheduler) emitJob(event string, job *Job, err error) {
	s.emit(Event{Name: event, Job: job, Err: err})
	s.emit(Event{Name: JobEvent(event, job.Name()), Job: job, Err: err})
}

func (s *Scheduler) notify(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("event listener panicked", "event", e.Name, "panic", r)
		}
	}()

	l(e)
}
