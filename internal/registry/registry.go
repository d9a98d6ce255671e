package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// ErrFlowNotFound is returned when a flow id is not registered
var ErrFlowNotFound = errors.New("flow not found")

// FlowRegistry stores flows, blacklist rules and flow status in rqlite
type FlowRegistry struct {
	conn *gorqlite.Connection
}

// NewFlowRegistry connects to rqlite and prepares the schema
func NewFlowRegistry(dbURI string) (*FlowRegistry, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing flow registry with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	registry := &FlowRegistry{conn: conn}
	if err := registry.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return registry, nil
}

// initializeSchema creates the necessary tables if they don't exist
func (r *FlowRegistry) initializeSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT PRIMARY KEY,
			forward_cookie TEXT NOT NULL,
			reverse_cookie TEXT NOT NULL,
			src_dpid TEXT NOT NULL,
			src_port INTEGER NOT NULL,
			src_vlan INTEGER NOT NULL,
			dst_dpid TEXT NOT NULL,
			dst_port INTEGER NOT NULL,
			dst_vlan INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ping_blacklist (
			src_dpid TEXT NOT NULL,
			src_port INTEGER NOT NULL,
			src_vlan INTEGER NOT NULL,
			dst_dpid TEXT NOT NULL,
			dst_port INTEGER NOT NULL,
			dst_vlan INTEGER NOT NULL,
			vlan INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (src_dpid, src_port, src_vlan, dst_dpid, dst_port, dst_vlan, vlan)
		)`,
		`CREATE TABLE IF NOT EXISTS flow_status (
			flow_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			failed_cookies TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_status_state ON flow_status (state)`,
	}

	results, err := r.conn.Write(statements)
	if err != nil {
		for _, result := range results {
			if result.Err != nil {
				return fmt.Errorf("failed to create schema: %w", result.Err)
			}
		}
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the registry
func (r *FlowRegistry) Close() error {
	if r.conn != nil {
		r.conn.Close()
	}
	return nil
}

// UpsertFlow registers or replaces a flow. The reverse direction runs
// from the forward destination back to the forward source.
func (r *FlowRegistry) UpsertFlow(ctx context.Context, flow model.Flow) error {
	log.Debug().Str("flow_id", flow.ID).Msg("Upserting flow")

	stmt := gorqlite.ParameterizedStatement{
		Query: `
		INSERT OR REPLACE INTO flows
		(flow_id, forward_cookie, reverse_cookie, src_dpid, src_port, src_vlan, dst_dpid, dst_port, dst_vlan, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
		Arguments: []interface{}{
			flow.ID,
			formatCookie(flow.Forward.Cookie),
			formatCookie(flow.Reverse.Cookie),
			string(flow.Forward.Source.Device),
			int64(flow.Forward.Source.Port),
			int64(flow.Forward.Source.Vlan),
			string(flow.Forward.Dest.Device),
			int64(flow.Forward.Dest.Port),
			int64(flow.Forward.Dest.Vlan),
			time.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := r.conn.WriteOneParameterizedContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to upsert flow %s: %w", flow.ID, err)
	}
	return nil
}

// DeleteFlow removes a flow and its status
func (r *FlowRegistry) DeleteFlow(ctx context.Context, flowID string) error {
	statements := []gorqlite.ParameterizedStatement{
		{Query: `DELETE FROM flows WHERE flow_id = ?`, Arguments: []interface{}{flowID}},
		{Query: `DELETE FROM flow_status WHERE flow_id = ?`, Arguments: []interface{}{flowID}},
	}
	if _, err := r.conn.WriteParameterizedContext(ctx, statements); err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", flowID, err)
	}
	return nil
}

const selectFlows = `
	SELECT flow_id, forward_cookie, reverse_cookie, src_dpid, src_port, src_vlan, dst_dpid, dst_port, dst_vlan
	FROM flows`

// ListFlows returns every registered flow ordered by id
func (r *FlowRegistry) ListFlows(ctx context.Context) ([]model.Flow, error) {
	result, err := r.conn.QueryOneContext(ctx, selectFlows + ` ORDER BY flow_id;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	var flows []model.Flow
	for result.Next() {
		flow, err := scanFlow(&result)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// GetFlow returns one flow or ErrFlowNotFound
func (r *FlowRegistry) GetFlow(ctx context.Context, flowID string) (model.Flow, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query:     selectFlows + ` WHERE flow_id = ? LIMIT 1;`,
		Arguments: []interface{}{flowID},
	}
	result, err := r.conn.QueryOneParameterizedContext(ctx, stmt)
	if err != nil {
		return model.Flow{}, fmt.Errorf("failed to query flow %s: %w", flowID, err)
	}
	if !result.Next() {
		return model.Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	return scanFlow(&result)
}

func scanFlow(result *gorqlite.QueryResult) (model.Flow, error) {
	var flowID, forwardCookie, reverseCookie, srcDpid, dstDpid string
	var srcPort, srcVlan, dstPort, dstVlan int64
	if err := result.Scan(&flowID, &forwardCookie, &reverseCookie,
		&srcDpid, &srcPort, &srcVlan, &dstDpid, &dstPort, &dstVlan); err != nil {
		return model.Flow{}, fmt.Errorf("failed to scan flow row: %w", err)
	}

	forward, err := parseCookie(forwardCookie)
	if err != nil {
		return model.Flow{}, fmt.Errorf("flow %s: %w", flowID, err)
	}
	reverse, err := parseCookie(reverseCookie)
	if err != nil {
		return model.Flow{}, fmt.Errorf("flow %s: %w", flowID, err)
	}

	source := model.NetworkEndpoint{Device: model.DeviceID(srcDpid), Port: uint32(srcPort), Vlan: int(srcVlan)}
	dest := model.NetworkEndpoint{Device: model.DeviceID(dstDpid), Port: uint32(dstPort), Vlan: int(dstVlan)}
	return model.Flow{
		ID:      flowID,
		Forward: model.HalfFlow{Cookie: forward, Source: source, Dest: dest},
		Reverse: model.HalfFlow{Cookie: reverse, Source: dest, Dest: source},
	}, nil
}

// AddBlacklist stores a ping suppression rule
func (r *FlowRegistry) AddBlacklist(ctx context.Context, match model.PingMatch) error {
	stmt := gorqlite.ParameterizedStatement{
		Query: `
		INSERT OR IGNORE INTO ping_blacklist
		(src_dpid, src_port, src_vlan, dst_dpid, dst_port, dst_vlan, vlan, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`,
		Arguments: []interface{}{
			string(match.Source.Device),
			int64(match.Source.Port),
			int64(match.Source.Vlan),
			string(match.Dest.Device),
			int64(match.Dest.Port),
			int64(match.Dest.Vlan),
			int64(match.Vlan),
			time.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := r.conn.WriteOneParameterizedContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add blacklist rule: %w", err)
	}
	return nil
}

// ListBlacklist returns every suppression rule
func (r *FlowRegistry) ListBlacklist(ctx context.Context) ([]model.PingMatch, error) {
	result, err := r.conn.QueryOneContext(ctx, `
	SELECT src_dpid, src_port, src_vlan, dst_dpid, dst_port, dst_vlan, vlan
	FROM ping_blacklist
	ORDER BY created_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}

	var rules []model.PingMatch
	for result.Next() {
		var srcDpid, dstDpid string
		var srcPort, srcVlan, dstPort, dstVlan, vlan int64
		if err := result.Scan(&srcDpid, &srcPort, &srcVlan, &dstDpid, &dstPort, &dstVlan, &vlan); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist row: %w", err)
		}
		rules = append(rules, model.PingMatch{
			Source: model.NetworkEndpoint{Device: model.DeviceID(srcDpid), Port: uint32(srcPort), Vlan: int(srcVlan)},
			Dest:   model.NetworkEndpoint{Device: model.DeviceID(dstDpid), Port: uint32(dstPort), Vlan: int(dstVlan)},
			Vlan:   int(vlan),
		})
	}
	return rules, nil
}

// RecordFlowState stores the latest reported state of a flow
func (r *FlowRegistry) RecordFlowState(ctx context.Context, report model.FlowReport) error {
	cookies := make([]string, len(report.FailedCookies))
	for i, cookie := range report.FailedCookies {
		cookies[i] = formatCookie(cookie)
	}

	stmt := gorqlite.ParameterizedStatement{
		Query: `
		INSERT OR REPLACE INTO flow_status (flow_id, state, failed_cookies, updated_at)
		VALUES (?, ?, ?, ?);
		`,
		Arguments: []interface{}{
			report.FlowID,
			report.State.String(),
			strings.Join(cookies, ","),
			time.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := r.conn.WriteOneParameterizedContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to record state of flow %s: %w", report.FlowID, err)
	}
	return nil
}

// ReportFlowState persists a flow state change
func (r *FlowRegistry) ReportFlowState(ctx context.Context, report model.FlowReport) error {
	return r.RecordFlowState(ctx, report)
}

// GetFlowState returns the last recorded state of a flow
func (r *FlowRegistry) GetFlowState(ctx context.Context, flowID string) (model.FlowReport, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query:     `SELECT state, failed_cookies FROM flow_status WHERE flow_id = ? LIMIT 1;`,
		Arguments: []interface{}{flowID},
	}
	result, err := r.conn.QueryOneParameterizedContext(ctx, stmt)
	if err != nil {
		return model.FlowReport{}, fmt.Errorf("failed to query state of flow %s: %w", flowID, err)
	}
	if !result.Next() {
		return model.FlowReport{}, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}

	var state, cookies string
	if err := result.Scan(&state, &cookies); err != nil {
		return model.FlowReport{}, fmt.Errorf("failed to scan flow status row: %w", err)
	}
	report := model.FlowReport{FlowID: flowID}
	if report.State, err = parseFlowState(state); err != nil {
		return model.FlowReport{}, err
	}
	if cookies != "" {
		for _, raw := range strings.Split(cookies, ",") {
			cookie, err := parseCookie(raw)
			if err != nil {
				return model.FlowReport{}, err
			}
			report.FailedCookies = append(report.FailedCookies, cookie)
		}
	}
	return report, nil
}

// cookies are stored as hex text; rqlite integers are signed 64 bit
func formatCookie(cookie uint64) string {
	return fmt.Sprintf("0x%016x", cookie)
}

func parseCookie(raw string) (uint64, error) {
	cookie, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cookie %q: %w", raw, err)
	}
	return cookie, nil
}

func parseFlowState(raw string) (model.FlowState, error) {
	for _, state := range []model.FlowState{model.FlowOperational, model.FlowUnreliable, model.FlowFailed} {
		if state.String() == raw {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown flow state %q", raw)
}
