package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"go.uber.org/zap"
)

// EventStore keeps each entity in a hash holding an immutable "data" JSON
// blob plus one discrete field per mutable flag. Flag writes go through a
// compare-and-set script so two nodes racing on the same flag cannot both
// win; the loser sees applied=false.
type EventStore struct {
	baseDao
}

var _ persistence.EventStore = (*EventStore)(nil)

func NewEventStore(conf Config) *EventStore {
	return &EventStore{
		baseDao: *newBaseDao(conf),
	}
}

// casScript applies field writes only while every guarded field still holds
// its expected value. Returns 1 when applied, 0 on a lost race or a missing
// key.
var casScript = rd.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local nguard = tonumber(ARGV[1])
local idx = 2
for i = 1, nguard do
	if redis.call('HGET', KEYS[1], ARGV[idx]) ~= ARGV[idx+1] then
		return 0
	end
	idx = idx + 2
end
while idx < #ARGV do
	redis.call('HSET', KEYS[1], ARGV[idx], ARGV[idx+1])
	idx = idx + 2
end
return 1
`)

var flowNodeFields = map[string]bool{
	persistence.FieldStateId:            true,
	persistence.FieldStateName:          true,
	persistence.FieldPreviousStateId:    true,
	persistence.FieldStateExecuting:     true,
	persistence.FieldTerminal:           true,
	persistence.FieldTokenCount:         true,
	persistence.FieldLoopCounter:        true,
	persistence.FieldDisplayName:        true,
	persistence.FieldDisplayDescription: true,
	persistence.FieldExpectedEndDate:    true,
	persistence.FieldReachedStateDate:   true,
}

var processFields = map[string]bool{
	persistence.FieldProcessState:      true,
	persistence.FieldInterruptingEvent: true,
	persistence.FieldEndDate:           true,
}

var messageFields = map[string]bool{
	persistence.FieldHandled: true,
}

var waitingEventFields = map[string]bool{
	persistence.FieldProgress: true,
	persistence.FieldActive:   true,
}

func (s *EventStore) SaveFlowNodeInstance(ctx context.Context, inst *model.FlowNodeInstance) error {
	return s.SaveFlowNodeInstances(ctx, []*model.FlowNodeInstance{inst})
}

// SaveFlowNodeInstances writes the batch through one transactional pipeline
// so a partial batch never becomes visible.
func (s *EventStore) SaveFlowNodeInstances(ctx context.Context, instances []*model.FlowNodeInstance) error {
	if len(instances) == 0 {
		return nil
	}
	for _, inst := range instances {
		if inst.Id == 0 {
			id, err := s.nextId(ctx, "flownode")
			if err != nil {
				return persistence.StorageLayerError{Message: err.Error()}
			}
			inst.Id = id
		}
	}
	pipe := s.redisClient.TxPipeline()
	for _, inst := range instances {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		values := map[string]any{
			"data":                              data,
			persistence.FieldStateId:            inst.StateId,
			persistence.FieldStateName:          inst.StateName,
			persistence.FieldPreviousStateId:    inst.PreviousStateId,
			persistence.FieldStateExecuting:     fieldString(inst.StateExecuting),
			persistence.FieldTerminal:           fieldString(inst.Terminal),
			persistence.FieldTokenCount:         inst.TokenCount,
			persistence.FieldLoopCounter:        inst.LoopCounter,
			persistence.FieldDisplayName:        inst.DisplayName,
			persistence.FieldDisplayDescription: inst.DisplayDescription,
			persistence.FieldExpectedEndDate:    inst.ExpectedEndDate,
			persistence.FieldReachedStateDate:   inst.ReachedStateDate,
		}
		pipe.HSet(ctx, s.flowNodeKey(inst.Id), values)
		pipe.SAdd(ctx, s.getNamespaceKey("flownode", "byprocess", strconv.FormatInt(inst.ProcessInstanceId, 10)), inst.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error while saving flow node instances", zap.Int("count", len(instances)), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) GetFlowNodeInstance(ctx context.Context, id int64) (*model.FlowNodeInstance, error) {
	vals, err := s.redisClient.HGetAll(ctx, s.flowNodeKey(id)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(vals) == 0 {
		return nil, persistence.NotFoundError{Kind: "flow node instance", Id: id}
	}
	var inst model.FlowNodeInstance
	if err := json.Unmarshal([]byte(vals["data"]), &inst); err != nil {
		return nil, err
	}
	overlayFlowNode(&inst, vals)
	return &inst, nil
}

func overlayFlowNode(inst *model.FlowNodeInstance, vals map[string]string) {
	inst.StateId = atoi(vals[persistence.FieldStateId])
	inst.StateName = vals[persistence.FieldStateName]
	inst.PreviousStateId = atoi(vals[persistence.FieldPreviousStateId])
	inst.StateExecuting = vals[persistence.FieldStateExecuting] == "1"
	inst.Terminal = vals[persistence.FieldTerminal] == "1"
	inst.TokenCount = atoi(vals[persistence.FieldTokenCount])
	inst.LoopCounter = atoi(vals[persistence.FieldLoopCounter])
	inst.DisplayName = vals[persistence.FieldDisplayName]
	inst.DisplayDescription = vals[persistence.FieldDisplayDescription]
	inst.ExpectedEndDate = atoi64(vals[persistence.FieldExpectedEndDate])
	inst.ReachedStateDate = atoi64(vals[persistence.FieldReachedStateDate])
}

func (s *EventStore) UpdateFlowNodeInstance(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	return s.cas(ctx, s.flowNodeKey(id), flowNodeFields, fields, guard)
}

func (s *EventStore) ListFlowNodeInstances(ctx context.Context, processInstanceId int64) ([]*model.FlowNodeInstance, error) {
	members, err := s.redisClient.SMembers(ctx, s.getNamespaceKey("flownode", "byprocess", strconv.FormatInt(processInstanceId, 10))).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	ids := make([]int64, 0, len(members))
	for _, member := range members {
		ids = append(ids, atoi64(member))
	}
	sortInt64(ids)
	instances := make([]*model.FlowNodeInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetFlowNodeInstance(ctx, id)
		if err != nil {
			var notFound persistence.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (s *EventStore) ArchiveFlowNodeInstance(ctx context.Context, inst *model.FlowNodeInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.RPush(ctx, s.getNamespaceKey("arch", "flownode", strconv.FormatInt(inst.Id, 10)), data)
	pipe.Del(ctx, s.flowNodeKey(inst.Id))
	pipe.SRem(ctx, s.getNamespaceKey("flownode", "byprocess", strconv.FormatInt(inst.ProcessInstanceId, 10)), inst.Id)
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) SaveProcessInstance(ctx context.Context, inst *model.ProcessInstance) error {
	if inst.Id == 0 {
		id, err := s.nextId(ctx, "process")
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		inst.Id = id
	}
	if inst.RootProcessInstanceId == 0 {
		inst.RootProcessInstanceId = inst.Id
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	values := map[string]any{
		"data":                             data,
		persistence.FieldProcessState:      int(inst.State),
		persistence.FieldInterruptingEvent: inst.InterruptingEventId,
		persistence.FieldEndDate:           inst.EndDate,
	}
	pipe := s.redisClient.Pipeline()
	pipe.HSet(ctx, s.processKey(inst.Id), values)
	if inst.CallerId != 0 {
		pipe.Set(ctx, s.getNamespaceKey("process", "bycaller", strconv.FormatInt(inst.CallerId, 10)), inst.Id, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) FindChildProcessInstance(ctx context.Context, callerId int64) (*model.ProcessInstance, error) {
	idStr, err := s.redisClient.Get(ctx, s.getNamespaceKey("process", "bycaller", strconv.FormatInt(callerId, 10))).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "child process instance", Id: callerId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.GetProcessInstance(ctx, atoi64(idStr))
}

func (s *EventStore) GetProcessInstance(ctx context.Context, id int64) (*model.ProcessInstance, error) {
	vals, err := s.redisClient.HGetAll(ctx, s.processKey(id)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(vals) == 0 {
		return nil, persistence.NotFoundError{Kind: "process instance", Id: id}
	}
	var inst model.ProcessInstance
	if err := json.Unmarshal([]byte(vals["data"]), &inst); err != nil {
		return nil, err
	}
	inst.State = model.ProcessState(atoi(vals[persistence.FieldProcessState]))
	inst.InterruptingEventId = atoi64(vals[persistence.FieldInterruptingEvent])
	inst.EndDate = atoi64(vals[persistence.FieldEndDate])
	return &inst, nil
}

func (s *EventStore) UpdateProcessInstance(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	return s.cas(ctx, s.processKey(id), processFields, fields, guard)
}

func (s *EventStore) DeleteProcessInstance(ctx context.Context, id int64) error {
	inst, err := s.GetProcessInstance(ctx, id)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.Del(ctx, s.processKey(id))
	if inst.CallerId != 0 {
		pipe.Del(ctx, s.getNamespaceKey("process", "bycaller", strconv.FormatInt(inst.CallerId, 10)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) ArchiveProcessInstance(ctx context.Context, inst *model.ProcessInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	err = s.redisClient.RPush(ctx, s.getNamespaceKey("arch", "process", strconv.FormatInt(inst.Id, 10)), data).Err()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) SaveMessageInstance(ctx context.Context, msg *model.MessageInstance) error {
	if msg.Id == 0 {
		id, err := s.nextId(ctx, "message")
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		msg.Id = id
	}
	if msg.CreationDate == 0 {
		msg.CreationDate = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.HSet(ctx, s.messageKey(msg.Id), map[string]any{
		"data":                   data,
		persistence.FieldHandled: fieldString(msg.Handled),
	})
	if !msg.Handled {
		pipe.ZAdd(ctx, s.getNamespaceKey("message", "pending"), rd.Z{
			Score:  float64(msg.Id),
			Member: msg.Id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error while saving message instance", zap.Int64("id", msg.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) GetMessageInstance(ctx context.Context, id int64) (*model.MessageInstance, error) {
	vals, err := s.redisClient.HGetAll(ctx, s.messageKey(id)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(vals) == 0 {
		return nil, persistence.NotFoundError{Kind: "message instance", Id: id}
	}
	var msg model.MessageInstance
	if err := json.Unmarshal([]byte(vals["data"]), &msg); err != nil {
		return nil, err
	}
	msg.Handled = vals[persistence.FieldHandled] == "1"
	return &msg, nil
}

func (s *EventStore) UpdateMessageInstance(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	applied, err := s.cas(ctx, s.messageKey(id), messageFields, fields, guard)
	if err != nil || !applied {
		return applied, err
	}
	if handled, ok := fields[persistence.FieldHandled]; ok && handled == true {
		// The pending zset is a scan index only; correctness lives in the flag.
		if err := s.redisClient.ZRem(ctx, s.getNamespaceKey("message", "pending"), id).Err(); err != nil {
			logger.Warn("error removing handled message from pending index", zap.Int64("id", id), zap.Error(err))
		}
	}
	return true, nil
}

func (s *EventStore) SaveWaitingEvent(ctx context.Context, event *model.WaitingMessageEvent) error {
	if event.Id == 0 {
		id, err := s.nextId(ctx, "waiting")
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		event.Id = id
	}
	if event.Progress == "" {
		event.Progress = model.ProgressFree
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.HSet(ctx, s.waitingKey(event.Id), map[string]any{
		"data":                    data,
		persistence.FieldProgress: event.Progress,
		persistence.FieldActive:   fieldString(event.Active),
	})
	pipe.SAdd(ctx, s.waitingMatchKey(event.ProcessName, event.FlowNodeName, event.MessageName, event.Correlations.Canonical()), event.Id)
	pipe.SAdd(ctx, s.waitingProcessMatchKey(event.ProcessName, event.MessageName, event.Correlations.Canonical()), event.Id)
	if event.FlowNodeInstanceId != 0 {
		pipe.SAdd(ctx, s.getNamespaceKey("waiting", "byfn", strconv.FormatInt(event.FlowNodeInstanceId, 10)), event.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error while saving waiting event", zap.Int64("id", event.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) GetWaitingEvent(ctx context.Context, id int64) (*model.WaitingMessageEvent, error) {
	vals, err := s.redisClient.HGetAll(ctx, s.waitingKey(id)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(vals) == 0 {
		return nil, persistence.NotFoundError{Kind: "waiting event", Id: id}
	}
	var event model.WaitingMessageEvent
	if err := json.Unmarshal([]byte(vals["data"]), &event); err != nil {
		return nil, err
	}
	event.Progress = vals[persistence.FieldProgress]
	event.Active = vals[persistence.FieldActive] == "1"
	return &event, nil
}

func (s *EventStore) UpdateWaitingEvent(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	return s.cas(ctx, s.waitingKey(id), waitingEventFields, fields, guard)
}

func (s *EventStore) DeleteWaitingEvent(ctx context.Context, id int64) error {
	event, err := s.GetWaitingEvent(ctx, id)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return s.deleteWaitingEvent(ctx, event)
}

func (s *EventStore) deleteWaitingEvent(ctx context.Context, event *model.WaitingMessageEvent) error {
	pipe := s.redisClient.Pipeline()
	pipe.Del(ctx, s.waitingKey(event.Id))
	pipe.SRem(ctx, s.waitingMatchKey(event.ProcessName, event.FlowNodeName, event.MessageName, event.Correlations.Canonical()), event.Id)
	pipe.SRem(ctx, s.waitingProcessMatchKey(event.ProcessName, event.MessageName, event.Correlations.Canonical()), event.Id)
	if event.FlowNodeInstanceId != 0 {
		pipe.SRem(ctx, s.getNamespaceKey("waiting", "byfn", strconv.FormatInt(event.FlowNodeInstanceId, 10)), event.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) DeleteWaitingEventsForFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	members, err := s.redisClient.SMembers(ctx, s.getNamespaceKey("waiting", "byfn", strconv.FormatInt(flowNodeInstanceId, 10))).Result()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	for _, member := range members {
		if err := s.DeleteWaitingEvent(ctx, atoi64(member)); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventStore) SaveWaitingSignalEvent(ctx context.Context, event *model.WaitingSignalEvent) error {
	if event.Id == 0 {
		id, err := s.nextId(ctx, "signal")
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		event.Id = id
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.Set(ctx, s.signalKey(event.Id), data, 0)
	pipe.SAdd(ctx, s.getNamespaceKey("signal", "byname", event.SignalName), event.Id)
	if event.FlowNodeInstanceId != 0 {
		pipe.SAdd(ctx, s.getNamespaceKey("signal", "byfn", strconv.FormatInt(event.FlowNodeInstanceId, 10)), event.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) FindWaitingSignalEvents(ctx context.Context, signalName string) ([]*model.WaitingSignalEvent, error) {
	members, err := s.redisClient.SMembers(ctx, s.getNamespaceKey("signal", "byname", signalName)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	ids := make([]int64, 0, len(members))
	for _, member := range members {
		ids = append(ids, atoi64(member))
	}
	sortInt64(ids)
	var events []*model.WaitingSignalEvent
	for _, id := range ids {
		raw, err := s.redisClient.Get(ctx, s.signalKey(id)).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				continue
			}
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		var event model.WaitingSignalEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, nil
}

func (s *EventStore) DeleteWaitingSignalEvent(ctx context.Context, id int64) error {
	raw, err := s.redisClient.Get(ctx, s.signalKey(id)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil
		}
		return persistence.StorageLayerError{Message: err.Error()}
	}
	var event model.WaitingSignalEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.Del(ctx, s.signalKey(id))
	pipe.SRem(ctx, s.getNamespaceKey("signal", "byname", event.SignalName), id)
	if event.FlowNodeInstanceId != 0 {
		pipe.SRem(ctx, s.getNamespaceKey("signal", "byfn", strconv.FormatInt(event.FlowNodeInstanceId, 10)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) DeleteWaitingSignalEventsForFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	members, err := s.redisClient.SMembers(ctx, s.getNamespaceKey("signal", "byfn", strconv.FormatInt(flowNodeInstanceId, 10))).Result()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	for _, member := range members {
		if err := s.DeleteWaitingSignalEvent(ctx, atoi64(member)); err != nil {
			return err
		}
	}
	return nil
}

// FindCandidateCouples walks the pending message index oldest first and
// resolves matching free waiting events through the match indexes.
func (s *EventStore) FindCandidateCouples(ctx context.Context, limit int) ([]model.MessageEventCouple, error) {
	pending, err := s.redisClient.ZRange(ctx, s.getNamespaceKey("message", "pending"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var couples []model.MessageEventCouple
	for _, member := range pending {
		if len(couples) >= limit {
			break
		}
		msg, err := s.GetMessageInstance(ctx, atoi64(member))
		if err != nil {
			var notFound persistence.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		if msg.Handled {
			continue
		}
		var matchKey string
		if msg.TargetFlowNode != "" {
			matchKey = s.waitingMatchKey(msg.TargetProcess, msg.TargetFlowNode, msg.MessageName, msg.Correlations.Canonical())
		} else {
			matchKey = s.waitingProcessMatchKey(msg.TargetProcess, msg.MessageName, msg.Correlations.Canonical())
		}
		waitingMembers, err := s.redisClient.SMembers(ctx, matchKey).Result()
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		waitingIds := make([]int64, 0, len(waitingMembers))
		for _, m := range waitingMembers {
			waitingIds = append(waitingIds, atoi64(m))
		}
		sortInt64(waitingIds)
		for _, waitingId := range waitingIds {
			if len(couples) >= limit {
				break
			}
			event, err := s.GetWaitingEvent(ctx, waitingId)
			if err != nil {
				var notFound persistence.NotFoundError
				if errors.As(err, &notFound) {
					continue
				}
				return nil, err
			}
			if event.Progress != model.ProgressFree || !event.Active {
				continue
			}
			couples = append(couples, model.MessageEventCouple{
				MessageInstanceId: msg.Id,
				WaitingMessageId:  event.Id,
				WaitingEventType:  event.EventType,
			})
		}
	}
	return couples, nil
}

func (s *EventStore) SaveTimerTrigger(ctx context.Context, trigger *model.TimerEventTrigger) error {
	if trigger.Id == 0 {
		id, err := s.nextId(ctx, "timer")
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		trigger.Id = id
	}
	data, err := json.Marshal(trigger)
	if err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.Set(ctx, s.timerKey(trigger.Id), data, 0)
	pipe.Set(ctx, s.getNamespaceKey("timer", "byfn", strconv.FormatInt(trigger.FlowNodeInstanceId, 10)), trigger.Id, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) FindTimerTrigger(ctx context.Context, flowNodeInstanceId int64) (*model.TimerEventTrigger, error) {
	idStr, err := s.redisClient.Get(ctx, s.getNamespaceKey("timer", "byfn", strconv.FormatInt(flowNodeInstanceId, 10))).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "timer trigger", Id: flowNodeInstanceId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	raw, err := s.redisClient.Get(ctx, s.timerKey(atoi64(idStr))).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "timer trigger", Id: flowNodeInstanceId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var trigger model.TimerEventTrigger
	if err := json.Unmarshal([]byte(raw), &trigger); err != nil {
		return nil, err
	}
	return &trigger, nil
}

func (s *EventStore) DeleteTimerTrigger(ctx context.Context, trigger *model.TimerEventTrigger) error {
	pipe := s.redisClient.Pipeline()
	pipe.Del(ctx, s.timerKey(trigger.Id))
	pipe.Del(ctx, s.getNamespaceKey("timer", "byfn", strconv.FormatInt(trigger.FlowNodeInstanceId, 10)))
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *EventStore) cas(ctx context.Context, key string, allowed map[string]bool, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	if len(fields) == 0 {
		return false, errors.New("no fields to update")
	}
	args := make([]any, 0, 1+2*(len(fields)+len(guard)))
	args = append(args, len(guard))
	for field, value := range guard {
		if !allowed[field] {
			return false, errors.New("field " + field + " is not guardable")
		}
		args = append(args, field, fieldString(value))
	}
	for field, value := range fields {
		if !allowed[field] {
			return false, errors.New("field " + field + " is not updatable")
		}
		args = append(args, field, fieldString(value))
	}
	res, err := casScript.Run(ctx, s.redisClient, []string{key}, args...).Int()
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return res == 1, nil
}

func (s *EventStore) flowNodeKey(id int64) string {
	return s.getNamespaceKey("flownode", strconv.FormatInt(id, 10))
}

func (s *EventStore) processKey(id int64) string {
	return s.getNamespaceKey("process", strconv.FormatInt(id, 10))
}

func (s *EventStore) messageKey(id int64) string {
	return s.getNamespaceKey("message", strconv.FormatInt(id, 10))
}

func (s *EventStore) waitingKey(id int64) string {
	return s.getNamespaceKey("waiting", strconv.FormatInt(id, 10))
}

func (s *EventStore) signalKey(id int64) string {
	return s.getNamespaceKey("signal", strconv.FormatInt(id, 10))
}

func (s *EventStore) timerKey(id int64) string {
	return s.getNamespaceKey("timer", strconv.FormatInt(id, 10))
}

func (s *EventStore) waitingMatchKey(process, flowNode, message, correlations string) string {
	return s.getNamespaceKey("waiting", "idx", process, flowNode, message, correlations)
}

func (s *EventStore) waitingProcessMatchKey(process, message, correlations string) string {
	return s.getNamespaceKey("waiting", "idxp", process, message, correlations)
}
