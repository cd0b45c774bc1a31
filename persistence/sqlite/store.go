// Package sqlite provides an EventStore backed by database/sql with a
// SQLite driver. The caller imports the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
)

type Store struct {
	db *sql.DB
}

var _ persistence.EventStore = (*Store)(nil)

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_node_instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flow_node_definition_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			process_definition_id INTEGER NOT NULL,
			process_instance_id INTEGER NOT NULL,
			root_process_instance_id INTEGER NOT NULL,
			parent_activity_instance_id INTEGER NOT NULL DEFAULT 0,
			state_id INTEGER NOT NULL,
			state_name TEXT NOT NULL,
			prev_state_id INTEGER NOT NULL DEFAULT 0,
			state_executing INTEGER NOT NULL DEFAULT 0,
			terminal INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			loop_counter INTEGER NOT NULL DEFAULT 0,
			executed_by INTEGER NOT NULL DEFAULT 0,
			executed_by_substitute INTEGER NOT NULL DEFAULT 0,
			display_name TEXT NOT NULL DEFAULT '',
			display_description TEXT NOT NULL DEFAULT '',
			reached_state_date INTEGER NOT NULL DEFAULT 0,
			expected_end_date INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS arch_flow_node_instances (
			id INTEGER NOT NULL,
			archive_date INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS process_instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			process_definition_id INTEGER NOT NULL,
			root_process_instance_id INTEGER NOT NULL DEFAULT 0,
			caller_id INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL,
			interrupting_event_id INTEGER NOT NULL DEFAULT 0,
			start_date INTEGER NOT NULL DEFAULT 0,
			end_date INTEGER NOT NULL DEFAULT 0,
			data BLOB
		);
		CREATE TABLE IF NOT EXISTS arch_process_instances (
			id INTEGER NOT NULL,
			archive_date INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS message_instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_name TEXT NOT NULL,
			target_process TEXT NOT NULL,
			target_flow_node TEXT NOT NULL DEFAULT '',
			correlations TEXT NOT NULL DEFAULT '',
			correlation_payload BLOB,
			handled INTEGER NOT NULL DEFAULT 0,
			creation_date INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS waiting_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			message_name TEXT NOT NULL,
			process_name TEXT NOT NULL,
			flow_node_name TEXT NOT NULL DEFAULT '',
			process_definition_id INTEGER NOT NULL DEFAULT 0,
			flow_node_definition_id INTEGER NOT NULL DEFAULT 0,
			flow_node_instance_id INTEGER NOT NULL DEFAULT 0,
			root_process_instance_id INTEGER NOT NULL DEFAULT 0,
			parent_process_instance_id INTEGER NOT NULL DEFAULT 0,
			interrupting INTEGER NOT NULL DEFAULT 1,
			correlations TEXT NOT NULL DEFAULT '',
			correlation_payload BLOB,
			progress TEXT NOT NULL DEFAULT 'FREE',
			active INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS waiting_signal_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			process_definition_id INTEGER NOT NULL DEFAULT 0,
			flow_node_definition_id INTEGER NOT NULL DEFAULT 0,
			flow_node_instance_id INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS timer_triggers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flow_node_instance_id INTEGER NOT NULL,
			event_instance_id INTEGER NOT NULL DEFAULT 0,
			job_trigger_name TEXT NOT NULL,
			execution_date INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_waiting_match
			ON waiting_events (process_name, flow_node_name, correlations, progress, active);
		CREATE INDEX IF NOT EXISTS idx_messages_pending
			ON message_instances (handled, id);
	`)
	return err
}

// Column mappings for atomic field updates, keyed by the stable field
// identifiers of the persistence package.
var flowNodeColumns = map[string]string{
	persistence.FieldStateId:            "state_id",
	persistence.FieldStateName:          "state_name",
	persistence.FieldPreviousStateId:    "prev_state_id",
	persistence.FieldStateExecuting:     "state_executing",
	persistence.FieldTerminal:           "terminal",
	persistence.FieldTokenCount:         "token_count",
	persistence.FieldLoopCounter:        "loop_counter",
	persistence.FieldDisplayName:        "display_name",
	persistence.FieldDisplayDescription: "display_description",
	persistence.FieldExpectedEndDate:    "expected_end_date",
	persistence.FieldReachedStateDate:   "reached_state_date",
}

var processColumns = map[string]string{
	persistence.FieldProcessState:      "state",
	persistence.FieldInterruptingEvent: "interrupting_event_id",
	persistence.FieldEndDate:           "end_date",
}

var messageColumns = map[string]string{
	persistence.FieldHandled: "handled",
}

var waitingEventColumns = map[string]string{
	persistence.FieldProgress: "progress",
	persistence.FieldActive:   "active",
}

const insertFlowNodeSQL = `
	INSERT INTO flow_node_instances (
		flow_node_definition_id, name, kind, process_definition_id,
		process_instance_id, root_process_instance_id, parent_activity_instance_id,
		state_id, state_name, prev_state_id, state_executing, terminal,
		token_count, loop_counter, executed_by, executed_by_substitute,
		display_name, display_description, reached_state_date, expected_end_date)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func flowNodeArgs(inst *model.FlowNodeInstance) []any {
	return []any{
		inst.FlowNodeDefinitionId, inst.Name, string(inst.Kind), inst.ProcessDefinitionId,
		inst.ProcessInstanceId, inst.RootProcessInstanceId, inst.ParentActivityInstanceId,
		inst.StateId, inst.StateName, inst.PreviousStateId, boolToInt(inst.StateExecuting), boolToInt(inst.Terminal),
		inst.TokenCount, inst.LoopCounter, inst.ExecutedBy, inst.ExecutedBySubstitute,
		inst.DisplayName, inst.DisplayDescription, inst.ReachedStateDate, inst.ExpectedEndDate,
	}
}

func (s *Store) SaveFlowNodeInstance(ctx context.Context, inst *model.FlowNodeInstance) error {
	res, err := s.db.ExecContext(ctx, insertFlowNodeSQL, flowNodeArgs(inst)...)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	inst.Id = id
	return nil
}

// SaveFlowNodeInstances inserts the batch inside one transaction. Ids are
// assigned only after commit so a rolled-back batch leaves no instance
// claiming to be persisted.
func (s *Store) SaveFlowNodeInstances(ctx context.Context, instances []*model.FlowNodeInstance) error {
	if len(instances) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	defer tx.Rollback()
	ids := make([]int64, 0, len(instances))
	for _, inst := range instances {
		res, err := tx.ExecContext(ctx, insertFlowNodeSQL, flowNodeArgs(inst)...)
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	for i, inst := range instances {
		inst.Id = ids[i]
	}
	return nil
}

func (s *Store) GetFlowNodeInstance(ctx context.Context, id int64) (*model.FlowNodeInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_node_definition_id, name, kind, process_definition_id,
			process_instance_id, root_process_instance_id, parent_activity_instance_id,
			state_id, state_name, prev_state_id, state_executing, terminal,
			token_count, loop_counter, executed_by, executed_by_substitute,
			display_name, display_description, reached_state_date, expected_end_date
		FROM flow_node_instances WHERE id = ?`, id)
	return scanFlowNode(row, id)
}

func scanFlowNode(row *sql.Row, id int64) (*model.FlowNodeInstance, error) {
	var inst model.FlowNodeInstance
	var kind string
	var executing, terminal int
	err := row.Scan(&inst.Id, &inst.FlowNodeDefinitionId, &inst.Name, &kind, &inst.ProcessDefinitionId,
		&inst.ProcessInstanceId, &inst.RootProcessInstanceId, &inst.ParentActivityInstanceId,
		&inst.StateId, &inst.StateName, &inst.PreviousStateId, &executing, &terminal,
		&inst.TokenCount, &inst.LoopCounter, &inst.ExecutedBy, &inst.ExecutedBySubstitute,
		&inst.DisplayName, &inst.DisplayDescription, &inst.ReachedStateDate, &inst.ExpectedEndDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NotFoundError{Kind: "flow node instance", Id: id}
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	inst.Kind = model.FlowNodeKind(kind)
	inst.StateExecuting = executing != 0
	inst.Terminal = terminal != 0
	return &inst, nil
}

func (s *Store) UpdateFlowNodeInstance(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	return s.update(ctx, "flow_node_instances", flowNodeColumns, id, fields, guard)
}

func (s *Store) ListFlowNodeInstances(ctx context.Context, processInstanceId int64) ([]*model.FlowNodeInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM flow_node_instances WHERE process_instance_id = ? ORDER BY id ASC`, processInstanceId)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	instances := make([]*model.FlowNodeInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetFlowNodeInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (s *Store) ArchiveFlowNodeInstance(ctx context.Context, inst *model.FlowNodeInstance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO arch_flow_node_instances (id, archive_date, payload) VALUES (?, ?, ?)`,
		inst.Id, time.Now().UnixMilli(), payload); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM flow_node_instances WHERE id = ?`, inst.Id); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := tx.Commit(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) SaveProcessInstance(ctx context.Context, inst *model.ProcessInstance) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return err
	}
	if inst.Id != 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE process_instances SET name = ?, process_definition_id = ?,
				root_process_instance_id = ?, caller_id = ?, state = ?,
				interrupting_event_id = ?, start_date = ?, end_date = ?, data = ?
			WHERE id = ?`,
			inst.Name, inst.ProcessDefinitionId, inst.RootProcessInstanceId, inst.CallerId,
			int(inst.State), inst.InterruptingEventId, inst.StartDate, inst.EndDate, data, inst.Id,
		)
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO process_instances (
			name, process_definition_id, root_process_instance_id, caller_id,
			state, interrupting_event_id, start_date, end_date, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Name, inst.ProcessDefinitionId, inst.RootProcessInstanceId, inst.CallerId,
		int(inst.State), inst.InterruptingEventId, inst.StartDate, inst.EndDate, data,
	)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	inst.Id = id
	if inst.RootProcessInstanceId == 0 {
		inst.RootProcessInstanceId = id
		_, err = s.db.ExecContext(ctx, `UPDATE process_instances SET root_process_instance_id = ? WHERE id = ?`, id, id)
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	return nil
}

func (s *Store) GetProcessInstance(ctx context.Context, id int64) (*model.ProcessInstance, error) {
	var inst model.ProcessInstance
	var state int
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, process_definition_id, root_process_instance_id, caller_id,
			state, interrupting_event_id, start_date, end_date, data
		FROM process_instances WHERE id = ?`, id).Scan(
		&inst.Id, &inst.Name, &inst.ProcessDefinitionId, &inst.RootProcessInstanceId, &inst.CallerId,
		&state, &inst.InterruptingEventId, &inst.StartDate, &inst.EndDate, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NotFoundError{Kind: "process instance", Id: id}
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	inst.State = model.ProcessState(state)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inst.Data); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

func (s *Store) UpdateProcessInstance(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	return s.update(ctx, "process_instances", processColumns, id, fields, guard)
}

func (s *Store) FindChildProcessInstance(ctx context.Context, callerId int64) (*model.ProcessInstance, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM process_instances WHERE caller_id = ? ORDER BY id DESC LIMIT 1`, callerId).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NotFoundError{Kind: "child process instance", Id: callerId}
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.GetProcessInstance(ctx, id)
}

func (s *Store) DeleteProcessInstance(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM process_instances WHERE id = ?`, id)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) ArchiveProcessInstance(ctx context.Context, inst *model.ProcessInstance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO arch_process_instances (id, archive_date, payload) VALUES (?, ?, ?)`,
		inst.Id, time.Now().UnixMilli(), payload)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) SaveMessageInstance(ctx context.Context, msg *model.MessageInstance) error {
	payload, err := json.Marshal(msg.Correlations)
	if err != nil {
		return err
	}
	if msg.CreationDate == 0 {
		msg.CreationDate = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_instances (
			message_name, target_process, target_flow_node, correlations,
			correlation_payload, handled, creation_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageName, msg.TargetProcess, msg.TargetFlowNode, msg.Correlations.Canonical(),
		payload, boolToInt(msg.Handled), msg.CreationDate,
	)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	msg.Id = id
	return nil
}

func (s *Store) GetMessageInstance(ctx context.Context, id int64) (*model.MessageInstance, error) {
	var msg model.MessageInstance
	var handled int
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_name, target_process, target_flow_node, correlation_payload, handled, creation_date
		FROM message_instances WHERE id = ?`, id).Scan(
		&msg.Id, &msg.MessageName, &msg.TargetProcess, &msg.TargetFlowNode, &payload, &handled, &msg.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NotFoundError{Kind: "message instance", Id: id}
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	msg.Handled = handled != 0
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg.Correlations); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

func (s *Store) UpdateMessageInstance(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	return s.update(ctx, "message_instances", messageColumns, id, fields, guard)
}

func (s *Store) SaveWaitingEvent(ctx context.Context, event *model.WaitingMessageEvent) error {
	payload, err := json.Marshal(event.Correlations)
	if err != nil {
		return err
	}
	if event.Progress == "" {
		event.Progress = model.ProgressFree
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO waiting_events (
			event_type, message_name, process_name, flow_node_name,
			process_definition_id, flow_node_definition_id, flow_node_instance_id,
			root_process_instance_id, parent_process_instance_id, interrupting,
			correlations, correlation_payload, progress, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.EventType), event.MessageName, event.ProcessName, event.FlowNodeName,
		event.ProcessDefinitionId, event.FlowNodeDefinitionId, event.FlowNodeInstanceId,
		event.RootProcessInstanceId, event.ParentProcessInstanceId, boolToInt(event.Interrupting),
		event.Correlations.Canonical(), payload, event.Progress, boolToInt(event.Active),
	)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	event.Id = id
	return nil
}

func (s *Store) GetWaitingEvent(ctx context.Context, id int64) (*model.WaitingMessageEvent, error) {
	var event model.WaitingMessageEvent
	var eventType, progress string
	var interrupting, active int
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, message_name, process_name, flow_node_name,
			process_definition_id, flow_node_definition_id, flow_node_instance_id,
			root_process_instance_id, parent_process_instance_id, interrupting,
			correlation_payload, progress, active
		FROM waiting_events WHERE id = ?`, id).Scan(
		&event.Id, &eventType, &event.MessageName, &event.ProcessName, &event.FlowNodeName,
		&event.ProcessDefinitionId, &event.FlowNodeDefinitionId, &event.FlowNodeInstanceId,
		&event.RootProcessInstanceId, &event.ParentProcessInstanceId, &interrupting,
		&payload, &progress, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NotFoundError{Kind: "waiting event", Id: id}
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	event.EventType = model.EventType(eventType)
	event.Progress = progress
	event.Interrupting = interrupting != 0
	event.Active = active != 0
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Correlations); err != nil {
			return nil, err
		}
	}
	return &event, nil
}

func (s *Store) UpdateWaitingEvent(ctx context.Context, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	return s.update(ctx, "waiting_events", waitingEventColumns, id, fields, guard)
}

func (s *Store) DeleteWaitingEvent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waiting_events WHERE id = ?`, id)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) DeleteWaitingEventsForFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waiting_events WHERE flow_node_instance_id = ?`, flowNodeInstanceId)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) SaveWaitingSignalEvent(ctx context.Context, event *model.WaitingSignalEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO waiting_signal_events (
			signal_name, event_type, process_definition_id, flow_node_definition_id, flow_node_instance_id)
		VALUES (?, ?, ?, ?, ?)`,
		event.SignalName, string(event.EventType), event.ProcessDefinitionId,
		event.FlowNodeDefinitionId, event.FlowNodeInstanceId,
	)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	event.Id = id
	return nil
}

func (s *Store) FindWaitingSignalEvents(ctx context.Context, signalName string) ([]*model.WaitingSignalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_name, event_type, process_definition_id, flow_node_definition_id, flow_node_instance_id
		FROM waiting_signal_events WHERE signal_name = ? ORDER BY id ASC`, signalName)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var events []*model.WaitingSignalEvent
	for rows.Next() {
		var event model.WaitingSignalEvent
		var eventType string
		if err := rows.Scan(&event.Id, &event.SignalName, &eventType,
			&event.ProcessDefinitionId, &event.FlowNodeDefinitionId, &event.FlowNodeInstanceId); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		event.EventType = model.EventType(eventType)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return events, nil
}

func (s *Store) DeleteWaitingSignalEvent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waiting_signal_events WHERE id = ?`, id)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) DeleteWaitingSignalEventsForFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waiting_signal_events WHERE flow_node_instance_id = ?`, flowNodeInstanceId)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

// FindCandidateCouples joins unhandled messages against free waiting events
// on target process/flow-node name and canonical correlation values, oldest
// message first. A message with no target flow node matches any node name.
func (s *Store) FindCandidateCouples(ctx context.Context, limit int) ([]model.MessageEventCouple, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, w.id, w.event_type
		FROM message_instances m
		JOIN waiting_events w
			ON w.message_name = m.message_name
			AND w.process_name = m.target_process
			AND (m.target_flow_node = '' OR w.flow_node_name = m.target_flow_node)
			AND w.correlations = m.correlations
		WHERE m.handled = 0 AND w.progress = ? AND w.active = 1
		ORDER BY m.id ASC, w.id ASC
		LIMIT ?`, model.ProgressFree, limit)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var couples []model.MessageEventCouple
	for rows.Next() {
		var couple model.MessageEventCouple
		var eventType string
		if err := rows.Scan(&couple.MessageInstanceId, &couple.WaitingMessageId, &eventType); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		couple.WaitingEventType = model.EventType(eventType)
		couples = append(couples, couple)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return couples, nil
}

func (s *Store) SaveTimerTrigger(ctx context.Context, trigger *model.TimerEventTrigger) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO timer_triggers (flow_node_instance_id, event_instance_id, job_trigger_name, execution_date)
		VALUES (?, ?, ?, ?)`,
		trigger.FlowNodeInstanceId, trigger.EventInstanceId, trigger.JobTriggerName, trigger.ExecutionDate,
	)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	trigger.Id = id
	return nil
}

func (s *Store) FindTimerTrigger(ctx context.Context, flowNodeInstanceId int64) (*model.TimerEventTrigger, error) {
	var trigger model.TimerEventTrigger
	err := s.db.QueryRowContext(ctx, `
		SELECT id, flow_node_instance_id, event_instance_id, job_trigger_name, execution_date
		FROM timer_triggers WHERE flow_node_instance_id = ? ORDER BY id ASC LIMIT 1`, flowNodeInstanceId).Scan(
		&trigger.Id, &trigger.FlowNodeInstanceId, &trigger.EventInstanceId, &trigger.JobTriggerName, &trigger.ExecutionDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NotFoundError{Kind: "timer trigger", Id: flowNodeInstanceId}
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return &trigger, nil
}

func (s *Store) DeleteTimerTrigger(ctx context.Context, trigger *model.TimerEventTrigger) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timer_triggers WHERE id = ?`, trigger.Id)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

// update builds a compare-and-set UPDATE: SET from fields, WHERE from the
// row id plus every guard condition. Zero affected rows means a lost race.
func (s *Store) update(ctx context.Context, table string, columns map[string]string, id int64, fields persistence.FieldUpdates, guard persistence.FieldUpdates) (bool, error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("no fields to update on %s %d", table, id)
	}
	var sets []string
	var args []any
	for field, value := range fields {
		column, ok := columns[field]
		if !ok {
			return false, fmt.Errorf("field %q is not updatable on %s", field, table)
		}
		sets = append(sets, column+" = ?")
		args = append(args, normalize(value))
	}
	where := []string{"id = ?"}
	args = append(args, id)
	for field, value := range guard {
		column, ok := columns[field]
		if !ok {
			return false, fmt.Errorf("field %q is not guardable on %s", field, table)
		}
		where = append(where, column+" = ?")
		args = append(args, normalize(value))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), strings.Join(where, " AND "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return affected > 0, nil
}

func normalize(value any) any {
	if b, ok := value.(bool); ok {
		return boolToInt(b)
	}
	if s, ok := value.(model.ProcessState); ok {
		return int(s)
	}
	return value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
