package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"feedbackhub/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresDB wraps an already opened handle.
func NewPostgresDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// isUniqueViolation reports a unique constraint failure (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Webhooks

const webhookColumns = `id, project_id, url, secret, events, format, max_retries, active, created_at, updated_at`

func scanWebhook(sc interface{ Scan(...any) error }) (model.Webhook, error) {
	var w model.Webhook
	var events []byte
	if err := sc.Scan(&w.ID, &w.ProjectID, &w.URL, &w.Secret, &events, &w.Format, &w.MaxRetries, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return model.Webhook{}, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &w.Events); err != nil {
			return model.Webhook{}, fmt.Errorf("decode events of webhook %s: %w", w.ID, err)
		}
	}
	return w, nil
}

func (p *Postgres) CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Events == nil {
		w.Events = []string{}
	}
	events, err := json.Marshal(w.Events)
	if err != nil {
		return model.Webhook{}, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO webhooks (id, project_id, url, secret, events, format, max_retries, active)
        VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8)
        RETURNING `+webhookColumns, w.ID, w.ProjectID, w.URL, w.Secret, string(events), w.Format, w.MaxRetries, w.Active)
	out, err := scanWebhook(row)
	if isUniqueViolation(err) {
		return model.Webhook{}, ErrDuplicate
	}
	return out, err
}

func (p *Postgres) GetWebhook(ctx context.Context, projectID, id string) (model.Webhook, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE project_id=$1 AND id=$2`, projectID, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Webhook{}, ErrNotFound
	}
	return w, err
}

func (p *Postgres) ListWebhooks(ctx context.Context, projectID string) ([]model.Webhook, error) {
	return p.queryWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE project_id=$1 ORDER BY created_at, id`, projectID)
}

func (p *Postgres) ListWebhooksForEvent(ctx context.Context, projectID, eventType string) ([]model.Webhook, error) {
	filter, err := json.Marshal([]string{eventType})
	if err != nil {
		return nil, err
	}
	return p.queryWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks
        WHERE project_id=$1 AND active AND events @> $2::jsonb ORDER BY created_at, id`, projectID, string(filter))
}

func (p *Postgres) queryWebhooks(ctx context.Context, q string, args ...any) ([]model.Webhook, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateWebhookSecret(ctx context.Context, projectID, id, secret string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhooks SET secret=$3, updated_at=now() WHERE project_id=$1 AND id=$2`, projectID, id, secret)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

const deliveryColumns = `d.id, d.webhook_id, d.project_id, d.event_type, d.event_id, d.format, d.payload, d.signature, d.status,
        d.attempt_count, d.max_attempts, d.next_attempt_at, d.last_http_status, d.last_response, d.last_error,
        d.last_duration_ms, d.retry_of, d.created_at, d.updated_at`

func scanDelivery(sc interface{ Scan(...any) error }, extra ...any) (model.Delivery, error) {
	var d model.Delivery
	var payload []byte
	dest := []any{&d.ID, &d.WebhookID, &d.ProjectID, &d.EventType, &d.EventID, &d.Format, &payload, &d.Signature, &d.Status,
		&d.AttemptCount, &d.MaxAttempts, &d.NextAttemptAt, &d.LastHTTPStatus, &d.LastResponse, &d.LastError,
		&d.LastDurationMs, &d.RetryOf, &d.CreatedAt, &d.UpdatedAt}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return model.Delivery{}, err
	}
	d.Payload = json.RawMessage(payload)
	return d, nil
}

func (p *Postgres) EnqueueDelivery(ctx context.Context, d model.Delivery) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, webhook_id, project_id, event_type, event_id, format, payload, status, attempt_count, max_attempts, next_attempt_at, retry_of)
        VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,'pending',0,$8,COALESCE($9, now()),$10)
        ON CONFLICT (webhook_id, event_id, retry_of) DO NOTHING`,
		d.ID, d.WebhookID, d.ProjectID, d.EventType, d.EventID, d.Format, string(d.Payload), d.MaxAttempts, nullTime(d.NextAttemptAt), d.RetryOf)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrDuplicate
	}
	return d.ID, nil
}

// ClaimDueDeliveries locks due rows with SKIP LOCKED so concurrent workers never
// receive the same delivery, then marks them processing under a lease.
func (p *Postgres) ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `UPDATE webhook_deliveries d
        SET status='processing', locked_until=now() + ($2 * interval '1 millisecond'), updated_at=now()
        FROM webhooks w
        WHERE w.id = d.webhook_id AND d.id IN (
            SELECT c.id FROM webhook_deliveries c JOIN webhooks cw ON cw.id = c.webhook_id
            WHERE cw.active AND (
                (c.status IN ('pending','retrying') AND c.next_attempt_at <= now())
                OR (c.status = 'processing' AND c.locked_until <= now()))
            ORDER BY c.next_attempt_at ASC
            LIMIT $1
            FOR UPDATE OF c SKIP LOCKED)
        RETURNING `+deliveryColumns+`, w.url, w.secret`, limit, lease.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		var url, secret string
		d, err := scanDelivery(rows, &url, &secret)
		if err != nil {
			return nil, err
		}
		d.URL, d.Secret = url, secret
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out, nil
}

func (p *Postgres) UpdateDeliveryStatus(ctx context.Context, id string, upd model.DeliveryUpdate) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status=$2, attempt_count=$3,
        next_attempt_at=COALESCE($4, next_attempt_at), last_http_status=$5, last_response=$6, last_error=$7,
        last_duration_ms=$8, signature=COALESCE($9, signature), locked_until=NULL, updated_at=now()
        WHERE id=$1 AND status NOT IN ('delivered','failed') AND $3 <= max_attempts`,
		id, upd.Status, upd.AttemptCount, nullTime(upd.NextAttemptAt), upd.HTTPStatusCode, upd.ResponseBody,
		upd.ErrorMessage, upd.DurationMs, nullIfEmpty(upd.Signature))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	var maxAttempts int
	err = p.db.QueryRowContext(ctx, `SELECT status, max_attempts FROM webhook_deliveries WHERE id=$1`, id).Scan(&status, &maxAttempts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	case model.IsTerminalStatus(status):
		return fmt.Errorf("update delivery %s: %w", id, ErrTerminal)
	default:
		return fmt.Errorf("update delivery %s: attempt %d exceeds max %d", id, upd.AttemptCount, maxAttempts)
	}
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries d WHERE d.id=$1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, ErrNotFound
	}
	return d, err
}

func (p *Postgres) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, string, error) {
	limit := clampLimit(f.Limit)
	conds := []string{"true"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ProjectID != "" {
		add("d.project_id=$%d", f.ProjectID)
	}
	if f.WebhookID != "" {
		add("d.webhook_id=$%d", f.WebhookID)
	}
	if f.Status != "" {
		add("d.status=$%d", f.Status)
	}
	if f.Cursor != "" {
		add("d.id > $%d", f.Cursor)
	}
	args = append(args, limit)
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries d WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(` ORDER BY d.id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Delivery{}
	var last string
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
		last = d.ID
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

// RetryDelivery copies a failed delivery into a new pending one; the failed row stays as history.
func (p *Postgres) RetryDelivery(ctx context.Context, id string) (model.Delivery, error) {
	d, err := p.GetDelivery(ctx, id)
	if err != nil {
		return model.Delivery{}, err
	}
	if d.Status != model.DeliveryFailed {
		return model.Delivery{}, ErrNotRetryable
	}
	c := model.Delivery{
		WebhookID:   d.WebhookID,
		ProjectID:   d.ProjectID,
		EventType:   d.EventType,
		EventID:     d.EventID,
		Format:      d.Format,
		Payload:     d.Payload,
		MaxAttempts: d.MaxAttempts,
		RetryOf:     d.ID,
	}
	newID, err := p.EnqueueDelivery(ctx, c)
	if err != nil {
		return model.Delivery{}, err
	}
	return p.GetDelivery(ctx, newID)
}

func (p *Postgres) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE status IN ('pending','retrying')`).Scan(&n)
	return n, err
}

// Projects

const projectColumns = `id, name, plan, COALESCE(customer_id,''), subscription_id, status, period_end, last_payment_error, updated_at`

func scanProject(sc interface{ Scan(...any) error }) (model.Project, error) {
	var pr model.Project
	var periodEnd sql.NullTime
	if err := sc.Scan(&pr.ID, &pr.Name, &pr.Plan, &pr.CustomerID, &pr.SubscriptionID, &pr.Status, &periodEnd, &pr.LastPaymentError, &pr.UpdatedAt); err != nil {
		return model.Project{}, err
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		pr.PeriodEnd = &t
	}
	return pr, nil
}

func (p *Postgres) CreateProject(ctx context.Context, pr model.Project) (model.Project, error) {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	if pr.Plan == "" {
		pr.Plan = model.PlanFree
	}
	if pr.Status == "" {
		pr.Status = model.SubscriptionInactive
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO projects (id, name, plan, customer_id, subscription_id, status, period_end, last_payment_error)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING `+projectColumns, pr.ID, pr.Name, pr.Plan, nullIfEmpty(pr.CustomerID), pr.SubscriptionID, pr.Status, nullTimePtr(pr.PeriodEnd), pr.LastPaymentError)
	out, err := scanProject(row)
	if isUniqueViolation(err) {
		return model.Project{}, ErrDuplicate
	}
	return out, err
}

func (p *Postgres) GetProject(ctx context.Context, id string) (model.Project, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id)
	pr, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, ErrNotFound
	}
	return pr, err
}

func (p *Postgres) FindByProviderCustomerID(ctx context.Context, customerID string) (model.Project, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE customer_id=$1`, customerID)
	pr, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, ErrNotFound
	}
	return pr, err
}

func (p *Postgres) UpdatePlan(ctx context.Context, projectID string, upd model.PlanUpdate) (model.Project, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE projects SET plan=$2, status=$3, period_end=$4, subscription_id=$5, last_payment_error=$6, updated_at=now()
        WHERE id=$1
        RETURNING `+projectColumns, projectID, upd.Plan, upd.Status, nullTimePtr(upd.PeriodEnd), upd.SubscriptionID, upd.LastPaymentError)
	pr, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, ErrNotFound
	}
	return pr, err
}

func (p *Postgres) SwapPlan(ctx context.Context, projectID string, expect, upd model.PlanUpdate) (model.Project, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE projects SET plan=$2, status=$3, period_end=$4, subscription_id=$5, last_payment_error=$6, updated_at=now()
        WHERE id=$1 AND plan=$7 AND status=$8 AND period_end IS NOT DISTINCT FROM $9::timestamptz
          AND subscription_id=$10 AND last_payment_error=$11
        RETURNING `+projectColumns,
		projectID, upd.Plan, upd.Status, nullTimePtr(upd.PeriodEnd), upd.SubscriptionID, upd.LastPaymentError,
		expect.Plan, expect.Status, nullTimePtr(expect.PeriodEnd), expect.SubscriptionID, expect.LastPaymentError)
	pr, err := scanProject(row)
	if !errors.Is(err, sql.ErrNoRows) {
		return pr, err
	}
	if _, err := p.GetProject(ctx, projectID); err != nil {
		return model.Project{}, err
	}
	return model.Project{}, ErrConflict
}

func (p *Postgres) ListScheduledDowngrades(ctx context.Context, now time.Time) ([]model.Project, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects
        WHERE status='canceled' AND plan <> 'free' AND period_end IS NOT NULL AND period_end <= $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Project{}
	for rows.Next() {
		pr, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Processed billing events

func (p *Postgres) GetProcessedEvent(ctx context.Context, eventID string) (model.ProcessedEvent, error) {
	var e model.ProcessedEvent
	err := p.db.QueryRowContext(ctx, `SELECT event_id, project_id, event_type, action, processed_at FROM processed_billing_events WHERE event_id=$1`, eventID).
		Scan(&e.EventID, &e.ProjectID, &e.EventType, &e.Action, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessedEvent{}, ErrNotFound
	}
	return e, err
}

func (p *Postgres) ClaimEvent(ctx context.Context, e model.ProcessedEvent, stale time.Duration) (model.ProcessedEvent, bool, error) {
	var out model.ProcessedEvent
	err := p.db.QueryRowContext(ctx, `INSERT INTO processed_billing_events (event_id, project_id, event_type, action, processed_at)
        VALUES ($1, '', $2, 'processing', now())
        ON CONFLICT (event_id) DO UPDATE SET event_type=EXCLUDED.event_type, processed_at=now()
        WHERE processed_billing_events.action='processing' AND $3::float8 > 0
          AND processed_billing_events.processed_at < now() - make_interval(secs => $3::float8)
        RETURNING event_id, project_id, event_type, action, processed_at`, e.EventID, e.EventType, stale.Seconds()).
		Scan(&out.EventID, &out.ProjectID, &out.EventType, &out.Action, &out.ProcessedAt)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.ProcessedEvent{}, false, err
	}
	prev, err := p.GetProcessedEvent(ctx, e.EventID)
	if errors.Is(err, ErrNotFound) {
		// released between the insert and the read; the caller retries later
		return model.ProcessedEvent{EventID: e.EventID, EventType: e.EventType, Action: model.EventProcessing}, false, nil
	}
	if err != nil {
		return model.ProcessedEvent{}, false, err
	}
	return prev, false, nil
}

func (p *Postgres) CompleteEvent(ctx context.Context, e model.ProcessedEvent) error {
	res, err := p.db.ExecContext(ctx, `UPDATE processed_billing_events
        SET project_id=$2, event_type=$3, action=$4, processed_at=COALESCE($5, now())
        WHERE event_id=$1`, e.EventID, e.ProjectID, e.EventType, e.Action, nullTime(e.ProcessedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processed_billing_events WHERE event_id=$1 AND action='processing'`, eventID)
	return err
}
