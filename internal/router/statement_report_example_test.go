package router

import (
	"encoding/json"
	"testing"

	"github.com/relaybus/cmdbus/internal/domain"
)

// statementReportManager, defined below, is a worked example of the ProcessManager contract:
// a three-step saga that queries raw statement data, aggregates it, and
// renders the result, mirroring a reporting pipeline driven entirely by
// reply routing.
type statementReportStep string

const (
	stepQuery     statementReportStep = "StatementQuery"
	stepAggregate statementReportStep = "StatementDataAggregation"
	stepRender    statementReportStep = "StatementRender"
)

type statementReportState struct {
	FromDate           string   `json:"from_date"`
	ToDate             string   `json:"to_date"`
	AccountList        []string `json:"account_list"`
	OutputType         string   `json:"output_type"`
	QueryResultPath    string   `json:"query_result_path,omitempty"`
	AggregatedDataPath string   `json:"aggregated_data_path,omitempty"`
	RenderedFilePath   string   `json:"rendered_file_path,omitempty"`
}

type statementReportManager struct{}

func (statementReportManager) InitialState(data json.RawMessage) (json.RawMessage, error) {
	var s statementReportState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (statementReportManager) FirstStep(json.RawMessage) (string, error) {
	return string(stepQuery), nil
}

func (statementReportManager) BuildCommand(step string, stateJSON json.RawMessage) (string, json.RawMessage, error) {
	var s statementReportState
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return "", nil, err
	}

	switch statementReportStep(step) {
	case stepQuery:
		data, err := json.Marshal(map[string]any{
			"from_date": s.FromDate, "to_date": s.ToDate, "account_list": s.AccountList,
		})
		return string(stepQuery), data, err
	case stepAggregate:
		data, err := json.Marshal(map[string]any{"data_path": s.QueryResultPath})
		return string(stepAggregate), data, err
	case stepRender:
		data, err := json.Marshal(map[string]any{
			"aggregated_data_path": s.AggregatedDataPath, "output_type": s.OutputType,
		})
		return string(stepRender), data, err
	default:
		return "", nil, errUnknownStep(step)
	}
}

func (statementReportManager) UpdateState(stateJSON json.RawMessage, step string, reply domain.ReplyEnvelope) (json.RawMessage, error) {
	var s statementReportState
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return nil, err
	}
	if reply.Outcome != domain.ReplyOutcomeSuccess {
		return json.Marshal(s)
	}

	var result struct {
		ResultPath string `json:"result_path"`
	}
	if len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, &result); err != nil {
			return nil, err
		}
	}

	switch statementReportStep(step) {
	case stepQuery:
		s.QueryResultPath = result.ResultPath
	case stepAggregate:
		s.AggregatedDataPath = result.ResultPath
	case stepRender:
		s.RenderedFilePath = result.ResultPath
	}
	return json.Marshal(s)
}

func (statementReportManager) NextStep(currentStep string, _ domain.ReplyEnvelope, _ json.RawMessage) (string, bool, error) {
	switch statementReportStep(currentStep) {
	case stepQuery:
		return string(stepAggregate), true, nil
	case stepAggregate:
		return string(stepRender), true, nil
	case stepRender:
		return "", false, nil
	default:
		return "", false, errUnknownStep(currentStep)
	}
}

type errUnknownStep string

func (e errUnknownStep) Error() string { return "router: unknown statement report step: " + string(e) }

func TestStatementReportProcess_FullRun(t *testing.T) {
	mgr := statementReportManager{}

	initial, err := json.Marshal(statementReportState{
		FromDate: "2026-01-01", ToDate: "2026-01-31",
		AccountList: []string{"acct-1", "acct-2"}, OutputType: "pdf",
	})
	if err != nil {
		t.Fatalf("marshal initial data: %v", err)
	}

	state, err := mgr.InitialState(initial)
	if err != nil {
		t.Fatalf("InitialState: %v", err)
	}

	step, err := mgr.FirstStep(state)
	if err != nil || step != string(stepQuery) {
		t.Fatalf("FirstStep = %q, %v, want %q, nil", step, err, stepQuery)
	}

	// Step 1: QUERY.
	commandType, _, err := mgr.BuildCommand(step, state)
	if err != nil || commandType != string(stepQuery) {
		t.Fatalf("BuildCommand(QUERY) = %q, %v", commandType, err)
	}
	queryReply := domain.ReplyEnvelope{Outcome: domain.ReplyOutcomeSuccess, Result: mustJSON(t, map[string]string{"result_path": "/tmp/query.parquet"})}
	state, err = mgr.UpdateState(state, step, queryReply)
	if err != nil {
		t.Fatalf("UpdateState(QUERY): %v", err)
	}
	nextStep, hasNext, err := mgr.NextStep(step, queryReply, state)
	if err != nil || !hasNext || nextStep != string(stepAggregate) {
		t.Fatalf("NextStep(QUERY) = %q, %v, %v, want %q, true, nil", nextStep, hasNext, err, stepAggregate)
	}

	// Step 2: AGGREGATE.
	step = nextStep
	commandType, data, err := mgr.BuildCommand(step, state)
	if err != nil || commandType != string(stepAggregate) {
		t.Fatalf("BuildCommand(AGGREGATE) = %q, %v", commandType, err)
	}
	var aggReq struct {
		DataPath string `json:"data_path"`
	}
	if err := json.Unmarshal(data, &aggReq); err != nil || aggReq.DataPath != "/tmp/query.parquet" {
		t.Fatalf("AGGREGATE command did not carry forward query result path: %+v, %v", aggReq, err)
	}
	aggReply := domain.ReplyEnvelope{Outcome: domain.ReplyOutcomeSuccess, Result: mustJSON(t, map[string]string{"result_path": "/tmp/agg.parquet"})}
	state, err = mgr.UpdateState(state, step, aggReply)
	if err != nil {
		t.Fatalf("UpdateState(AGGREGATE): %v", err)
	}
	nextStep, hasNext, err = mgr.NextStep(step, aggReply, state)
	if err != nil || !hasNext || nextStep != string(stepRender) {
		t.Fatalf("NextStep(AGGREGATE) = %q, %v, %v, want %q, true, nil", nextStep, hasNext, err, stepRender)
	}

	// Step 3: RENDER — the terminal step.
	step = nextStep
	renderReply := domain.ReplyEnvelope{Outcome: domain.ReplyOutcomeSuccess, Result: mustJSON(t, map[string]string{"result_path": "/tmp/report.pdf"})}
	state, err = mgr.UpdateState(state, step, renderReply)
	if err != nil {
		t.Fatalf("UpdateState(RENDER): %v", err)
	}
	_, hasNext, err = mgr.NextStep(step, renderReply, state)
	if err != nil || hasNext {
		t.Fatalf("NextStep(RENDER) = hasNext=%v, %v, want false, nil", hasNext, err)
	}

	var final statementReportState
	if err := json.Unmarshal(state, &final); err != nil {
		t.Fatalf("unmarshal final state: %v", err)
	}
	if final.RenderedFilePath != "/tmp/report.pdf" {
		t.Fatalf("final state missing rendered path: %+v", final)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
