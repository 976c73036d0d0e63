package postgres

const schema = `
-- Analysis groups
CREATE TABLE IF NOT EXISTS groups (
    id BIGSERIAL PRIMARY KEY,
    source_ip TEXT NOT NULL,
    time_bucket TEXT NOT NULL,
    country TEXT NOT NULL DEFAULT '',
    member_count INTEGER NOT NULL DEFAULT 0,
    severity INTEGER CHECK(severity >= 0 AND severity <= 5),
    analysis_text TEXT NOT NULL DEFAULT '',
    recommended_actions TEXT NOT NULL DEFAULT '',
    attack_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'in_review', 'completed', 'closed')),
    raw_prompt TEXT NOT NULL DEFAULT '',
    raw_response TEXT NOT NULL DEFAULT '',
    first_event_at TIMESTAMPTZ,
    last_event_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (source_ip, time_bucket)
);

CREATE INDEX IF NOT EXISTS idx_groups_status ON groups(status);
CREATE INDEX IF NOT EXISTS idx_groups_created_at ON groups(created_at);

-- WAF events
CREATE TABLE IF NOT EXISTS events (
    id BIGSERIAL PRIMARY KEY,
    request_id TEXT NOT NULL UNIQUE,
    ts TIMESTAMPTZ NOT NULL,
    source_ip TEXT NOT NULL,
    country TEXT NOT NULL DEFAULT '',
    host TEXT NOT NULL DEFAULT '',
    uri TEXT NOT NULL DEFAULT '',
    method TEXT NOT NULL DEFAULT '',
    rule_id TEXT NOT NULL DEFAULT '',
    rule_name TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    raw_payload JSONB NOT NULL DEFAULT '{}',
    severity INTEGER CHECK(severity >= 0 AND severity <= 5),
    analysis_text TEXT NOT NULL DEFAULT '',
    follow_up_text TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'investigating', 'closed', 'false_positive')),
    processed BOOLEAN NOT NULL DEFAULT FALSE,
    analyzed_at TIMESTAMPTZ,
    analyzed_by TEXT NOT NULL DEFAULT '',
    linked_job_id BIGINT,
    linked_group_id BIGINT REFERENCES groups(id) ON DELETE SET NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
CREATE INDEX IF NOT EXISTS idx_events_source_ip ON events(source_ip);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_group ON events(linked_group_id);
CREATE INDEX IF NOT EXISTS idx_events_analyzed_at ON events(analyzed_at);

-- Group membership links. The unique constraint on event_id makes
-- double-linking impossible.
CREATE TABLE IF NOT EXISTS group_event_links (
    group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
    event_id BIGINT NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (group_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_group_event_links_group ON group_event_links(group_id);

-- Single-event analysis queue
CREATE TABLE IF NOT EXISTS single_jobs (
    id BIGSERIAL PRIMARY KEY,
    event_id BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'queued', 'running', 'completed', 'failed', 'on_hold')),
    priority INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    leased_at TIMESTAMPTZ,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    last_error TEXT NOT NULL DEFAULT '',
    severity INTEGER CHECK(severity >= 0 AND severity <= 5),
    analysis TEXT NOT NULL DEFAULT '',
    follow_up TEXT NOT NULL DEFAULT '',
    triage_result JSONB
);

-- At most one non-terminal job per event.
CREATE UNIQUE INDEX IF NOT EXISTS idx_single_jobs_active
    ON single_jobs(event_id)
    WHERE status IN ('pending', 'queued', 'running', 'on_hold');
CREATE INDEX IF NOT EXISTS idx_single_jobs_lease
    ON single_jobs(status, priority DESC, created_at)
    WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_single_jobs_status ON single_jobs(status);

-- Grouped analysis queue. Same state machine, different target.
CREATE TABLE IF NOT EXISTS group_jobs (
    id BIGSERIAL PRIMARY KEY,
    group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'queued', 'running', 'completed', 'failed', 'on_hold')),
    priority INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    leased_at TIMESTAMPTZ,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    last_error TEXT NOT NULL DEFAULT '',
    severity INTEGER CHECK(severity >= 0 AND severity <= 5),
    analysis TEXT NOT NULL DEFAULT '',
    follow_up TEXT NOT NULL DEFAULT '',
    triage_result JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_group_jobs_active
    ON group_jobs(group_id)
    WHERE status IN ('pending', 'queued', 'running', 'on_hold');
CREATE INDEX IF NOT EXISTS idx_group_jobs_lease
    ON group_jobs(status, priority DESC, created_at)
    WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_group_jobs_status ON group_jobs(status);

-- Escalations with independent per-sink completion tracking
CREATE TABLE IF NOT EXISTS escalations (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    detail_payload JSONB NOT NULL DEFAULT '{}',
    severity INTEGER NOT NULL CHECK(severity >= 0 AND severity <= 5),
    source_type TEXT NOT NULL CHECK(source_type IN ('waf_event', 'group', 'campaign')),
    source_event_id BIGINT REFERENCES events(id) ON DELETE SET NULL,
    source_group_id BIGINT REFERENCES groups(id) ON DELETE SET NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_notification BOOLEAN NOT NULL DEFAULT FALSE,
    notification_at TIMESTAMPTZ,
    notification_external_id TEXT NOT NULL DEFAULT '',
    notification_error TEXT NOT NULL DEFAULT '',
    completed_ticket BOOLEAN NOT NULL DEFAULT FALSE,
    ticket_at TIMESTAMPTZ,
    ticket_external_id TEXT NOT NULL DEFAULT '',
    ticket_error TEXT NOT NULL DEFAULT '',
    completed_blocklist BOOLEAN NOT NULL DEFAULT FALSE,
    blocklist_at TIMESTAMPTZ,
    blocklist_external_id TEXT NOT NULL DEFAULT '',
    blocklist_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_escalations_notification ON escalations(completed_notification) WHERE NOT completed_notification;
CREATE INDEX IF NOT EXISTS idx_escalations_ticket ON escalations(completed_ticket) WHERE NOT completed_ticket;
CREATE INDEX IF NOT EXISTS idx_escalations_blocklist ON escalations(completed_blocklist) WHERE NOT completed_blocklist;
CREATE INDEX IF NOT EXISTS idx_escalations_created_at ON escalations(created_at);

-- Managed IP blocklist
CREATE TABLE IF NOT EXISTS blocklist (
    ip_address TEXT PRIMARY KEY,
    reason TEXT NOT NULL DEFAULT '',
    severity INTEGER NOT NULL DEFAULT 0 CHECK(severity >= 0 AND severity <= 5),
    source_escalation_id BIGINT REFERENCES escalations(id) ON DELETE SET NULL,
    source_event_id BIGINT REFERENCES events(id) ON DELETE SET NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    block_count INTEGER NOT NULL DEFAULT 1,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    removed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_blocklist_active ON blocklist(is_active);

-- Append-only per-event audit trail
CREATE TABLE IF NOT EXISTS timeline (
    id BIGSERIAL PRIMARY KEY,
    event_id BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    actor_kind TEXT NOT NULL CHECK(actor_kind IN ('system', 'user')),
    actor TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_timeline_event ON timeline(event_id);
CREATE INDEX IF NOT EXISTS idx_timeline_created_at ON timeline(created_at);
`
