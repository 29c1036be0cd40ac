package agenda

import (
	"slices"
	"time"
)

// DefinitionOptions overrides the scheduler defaults for one definition.
// Zero values keep the default.
type DefinitionOptions struct {
	Concurrency  int
	LockLimit    int
	Priority     Priority
	LockLifetime time.Duration
}

// Definition is a registered job type. Running and Locked count the
// instances this scheduler currently runs and holds locked.
type Definition struct {
	Name         string
	Processor    Processor
	Concurrency  int
	LockLimit    int
	Priority     Priority
	LockLifetime time.Duration
	Running      int
	Locked       int
}

// Define registers p under name. Redefining a name replaces its processor
// and limits but keeps the live counters.
func (s *Scheduler) Define(name string, p Processor, options ...DefinitionOptions) *Scheduler {
	var o DefinitionOptions
	if len(options) > 0 {
		o = options[0]
	}

	def := &Definition{
		Name:         name,
		Processor:    p,
		Concurrency:  s.config.defaultConcurrency,
		LockLimit:    s.config.defaultLockLimit,
		Priority:     o.Priority,
		LockLifetime: s.config.defaultLockLifetime,
	}
	if o.Concurrency > 0 {
		def.Concurrency = o.Concurrency
	}
	if o.LockLimit > 0 {
		def.LockLimit = o.LockLimit
	}
	if o.LockLifetime > 0 {
		def.LockLifetime = o.LockLifetime
	}

	s.mu.Lock()
	if prev, ok := s.definitions[name]; ok {
		def.Running = prev.Running
		def.Locked = prev.Locked
	}
	s.definitions[name] = def
	s.mu.Unlock()

	s.logger.Debugw("job defined", "job", name, "concurrency", def.Concurrency, "lock_limit", def.LockLimit)
	return s
}

// Definition returns a snapshot of the definition registered under name.
func (s *Scheduler) Definition(name string) (Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[name]
	if !ok {
		return Definition{}, false
	}

	return *def, true
}

func (s *Scheduler) definedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}
