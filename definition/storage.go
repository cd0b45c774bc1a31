package definition

import (
	"fmt"
	"sync"
)

// Storage holds deployed process definitions. Archive packaging and XML
// deserialization live outside the engine; deployments arrive here already
// parsed.
type Storage interface {
	Save(def *ProcessDefinition) error
	Get(name string) (*ProcessDefinition, error)
	GetById(id int64) (*ProcessDefinition, error)
	Delete(name string) error
}

type memoryStorage struct {
	mu     sync.RWMutex
	byName map[string]*ProcessDefinition
	byId   map[int64]*ProcessDefinition
	nextId int64
}

func NewMemoryStorage() Storage {
	return &memoryStorage{
		byName: make(map[string]*ProcessDefinition),
		byId:   make(map[int64]*ProcessDefinition),
	}
}

func (s *memoryStorage) Save(def *ProcessDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.Id == 0 {
		s.nextId++
		def.Id = s.nextId
	}
	s.byName[def.Name] = def
	s.byId[def.Id] = def
	return nil
}

func (s *memoryStorage) Get(name string) (*ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("process definition %s not found", name)
	}
	return def, nil
}

func (s *memoryStorage) GetById(id int64) (*ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byId[id]
	if !ok {
		return nil, fmt.Errorf("process definition %d not found", id)
	}
	return def, nil
}

func (s *memoryStorage) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("process definition %s not found", name)
	}
	delete(s.byName, name)
	delete(s.byId, def.Id)
	return nil
}
