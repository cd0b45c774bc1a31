package definition

import (
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"
)

// Service fronts definition storage with a cache; definitions are immutable
// once deployed so cached entries never go stale until undeployment.
type Service struct {
	storage Storage
	cache   *c.Cache
}

func NewService(storage Storage) *Service {
	return &Service{
		storage: storage,
		cache:   c.New(c.NoExpiration, 10*time.Minute),
	}
}

func (s *Service) Deploy(def *ProcessDefinition) error {
	return s.storage.Save(def)
}

func (s *Service) Undeploy(name string) error {
	if err := s.storage.Delete(name); err != nil {
		return err
	}
	s.cache.Delete(nameKey(name))
	return nil
}

func (s *Service) Get(name string) (*ProcessDefinition, error) {
	if cached, found := s.cache.Get(nameKey(name)); found {
		return cached.(*ProcessDefinition), nil
	}
	def, err := s.storage.Get(name)
	if err != nil {
		return nil, err
	}
	s.cache.Set(nameKey(name), def, c.NoExpiration)
	return def, nil
}

func (s *Service) GetById(id int64) (*ProcessDefinition, error) {
	key := idKey(id)
	if cached, found := s.cache.Get(key); found {
		return cached.(*ProcessDefinition), nil
	}
	def, err := s.storage.GetById(id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, def, c.NoExpiration)
	return def, nil
}

// GetFlowNode resolves one node of a deployed definition.
func (s *Service) GetFlowNode(processDefinitionId int64, flowNodeDefinitionId int64) (*ProcessDefinition, *FlowNodeDefinition, error) {
	def, err := s.GetById(processDefinitionId)
	if err != nil {
		return nil, nil, err
	}
	node, err := def.FlowNode(flowNodeDefinitionId)
	if err != nil {
		return nil, nil, err
	}
	return def, node, nil
}

func nameKey(name string) string {
	return "name:" + name
}

func idKey(id int64) string {
	return fmt.Sprintf("id:%d", id)
}
