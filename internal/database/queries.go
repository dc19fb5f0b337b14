/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

const schemaTemplate = `
	CREATE TABLE IF NOT EXISTS orders (
		id {{serial}},
		order_code BIGINT NOT NULL UNIQUE,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_price TEXT NOT NULL,
		total_credits BIGINT NOT NULL,
		currency TEXT NOT NULL,
		audit_hash TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL,
		updated_at {{timestamp}} NOT NULL,
		paid_at {{timestamp}},
		completed_at {{timestamp}}
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status_updated ON orders(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id);

	CREATE TABLE IF NOT EXISTS order_items (
		id {{serial}},
		order_id BIGINT NOT NULL REFERENCES orders(id),
		credit_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		quantity BIGINT NOT NULL,
		unit_price TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id),
		order_code BIGINT NOT NULL,
		provider_reference TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		raw_payload TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL,
		paid_at {{timestamp}}
	);

	CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id, provider_reference);
	-- At most one PAID payment per order
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_paid ON payments(order_id) WHERE status = 'PAID';

	CREATE TABLE IF NOT EXISTS order_history (
		id {{serial}},
		order_id BIGINT NOT NULL REFERENCES orders(id),
		event TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_history_order_event ON order_history(order_id, event);
	-- Effect completion lines are written once per order
	CREATE UNIQUE INDEX IF NOT EXISTS idx_order_history_once ON order_history(order_id, event)
		WHERE event IN ('audit_recorded', 'movement_tracked', 'certificate_issued');

	CREATE TABLE IF NOT EXISTS webhook_events (
		signature TEXT PRIMARY KEY,
		order_code BIGINT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'webhook',
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		retriable INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		raw_payload TEXT NOT NULL DEFAULT '',
		canonical TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL,
		updated_at {{timestamp}} NOT NULL,
		processed_at {{timestamp}}
	);

	CREATE INDEX IF NOT EXISTS idx_webhook_events_status_updated ON webhook_events(status, updated_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'unread',
		created_at {{timestamp}} NOT NULL,
		read_at {{timestamp}},
		archived_at {{timestamp}},
		UNIQUE (user_id, type, dedupe_key)
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user_status ON notifications(user_id, status, created_at);

	CREATE TABLE IF NOT EXISTS certificates (
		id TEXT PRIMARY KEY,
		order_id BIGINT NOT NULL UNIQUE REFERENCES orders(id),
		order_code BIGINT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		archive_key TEXT NOT NULL DEFAULT '',
		issued_at {{timestamp}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfer_edges (
		order_id BIGINT PRIMARY KEY,
		from_node TEXT NOT NULL,
		to_node TEXT NOT NULL,
		credits BIGINT NOT NULL,
		recorded_at {{timestamp}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_ledger (
		seq {{serial}},
		entry_key TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL,
		prev_digest TEXT NOT NULL,
		digest TEXT NOT NULL,
		created_at {{timestamp}} NOT NULL
	)
`

const (
	// Order queries
	orderColumns = `id, order_code, buyer_id, seller_id, status, total_price, total_credits, currency,
		audit_hash, created_at, updated_at, paid_at, completed_at`

	queryInsertOrder = `
		INSERT INTO orders (order_code, buyer_id, seller_id, status, total_price, total_credits, currency,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_code) DO NOTHING
		RETURNING id`

	queryInsertOrderItem = `
		INSERT INTO order_items (order_id, credit_id, description, quantity, unit_price)
		VALUES (?, ?, ?, ?, ?)`

	queryGetOrderById = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = ?`

	queryGetOrderByCode = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE order_code = ?`

	queryGetOrderItems = `
		SELECT id, order_id, credit_id, description, quantity, unit_price
		FROM order_items
		WHERE order_id = ?
		ORDER BY id`

	queryListOrdersByStatus = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ?
		ORDER BY updated_at
		LIMIT ?`

	queryListStalePendingOrders = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'PENDING' AND created_at < ?
		ORDER BY created_at
		LIMIT ?`

	queryTransitionOrder = `
		UPDATE orders
		SET status = ?, updated_at = ?, paid_at = COALESCE(?, paid_at), completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?`

	queryGetOrderCode = `
		SELECT order_code FROM orders WHERE id = ?`

	queryOrderExists = `
		SELECT 1 FROM orders WHERE id = ?`

	querySetAuditHash = `
		UPDATE orders
		SET audit_hash = ?, updated_at = ?
		WHERE id = ? AND (audit_hash = '' OR audit_hash = ?)`

	// Payment queries
	queryInsertPayment = `
		INSERT INTO payments (id, order_id, order_code, provider_reference, amount, currency, status,
			failure_reason, raw_payload, created_at, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySettlePendingPayment = `
		UPDATE payments
		SET provider_reference = ?, status = ?, amount = ?, currency = ?, failure_reason = ?, raw_payload = ?, paid_at = ?
		WHERE order_id = ? AND status = 'PENDING' AND (provider_reference = ? OR provider_reference = '')`

	queryGetPayments = `
		SELECT id, order_id, order_code, provider_reference, amount, currency, status, failure_reason,
		       raw_payload, created_at, paid_at
		FROM payments
		WHERE order_id = ?
		ORDER BY created_at, id`

	// History queries
	queryInsertHistory = `
		INSERT INTO order_history (order_id, event, message, created_at)
		VALUES (?, ?, ?, ?)`

	queryInsertHistoryOnce = `
		INSERT INTO order_history (order_id, event, message, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`

	queryHasHistoryEvent = `
		SELECT COUNT(*) FROM order_history WHERE order_id = ? AND event = ?`

	queryGetOrderHistory = `
		SELECT id, order_id, event, message, created_at
		FROM order_history
		WHERE order_id = ?
		ORDER BY id`

	// Webhook event queries
	webhookEventColumns = `signature, order_code, event_type, source, status, attempts, retriable, last_error,
		raw_payload, canonical, created_at, updated_at, processed_at`

	queryClaimWebhookEvent = `
		INSERT INTO webhook_events (signature, order_code, event_type, source, status, attempts, retriable,
			last_error, raw_payload, canonical, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'RECEIVED', 1, 0, '', ?, ?, ?, ?)
		ON CONFLICT (signature) DO NOTHING`

	queryReclaimWebhookEvent = `
		UPDATE webhook_events
		SET status = 'RETRYING', attempts = attempts + 1, updated_at = ?
		WHERE signature = ? AND status = ? AND updated_at < ? AND (status <> 'FAILED' OR retriable = 1)`

	queryMarkWebhookProcessed = `
		UPDATE webhook_events
		SET status = 'PROCESSED', last_error = '', retriable = 0, processed_at = ?, updated_at = ?
		WHERE signature = ?`

	queryMarkWebhookFailed = `
		UPDATE webhook_events
		SET status = 'FAILED', last_error = ?, retriable = ?, updated_at = ?
		WHERE signature = ?`

	queryGetWebhookEvent = `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE signature = ?`

	queryListWebhookEvents = `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?`

	queryListStaleWebhookEvents = `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE updated_at < ?
		  AND (status IN ('RECEIVED', 'RETRYING') OR (status = 'FAILED' AND retriable = 1))
		ORDER BY updated_at
		LIMIT ?`

	// Notification queries
	notificationColumns = `id, user_id, type, entity_type, entity_id, dedupe_key, title, message, priority,
		status, created_at, read_at, archived_at`

	queryInsertNotification = `
		INSERT INTO notifications (id, user_id, type, entity_type, entity_id, dedupe_key, title, message,
			priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'unread', ?)
		ON CONFLICT (user_id, type, dedupe_key) DO NOTHING`

	queryGetNotificationByDedupe = `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = ? AND type = ? AND dedupe_key = ?`

	queryCountNotifications = `
		SELECT COUNT(*) FROM notifications WHERE user_id = ? AND (? = 1 OR status <> 'archived')`

	queryListNotifications = `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = ? AND (? = 1 OR status <> 'archived')
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`

	queryCountUnreadNotifications = `
		SELECT COUNT(*) FROM notifications WHERE user_id = ? AND status = 'unread'`

	queryMarkNotificationRead = `
		UPDATE notifications
		SET status = 'read', read_at = ?
		WHERE id = ? AND user_id = ? AND status = 'unread'`

	queryMarkAllNotificationsRead = `
		UPDATE notifications
		SET status = 'read', read_at = ?
		WHERE user_id = ? AND status = 'unread'`

	queryArchiveNotification = `
		UPDATE notifications
		SET status = 'archived', archived_at = ?
		WHERE id = ? AND user_id = ? AND status <> 'archived'`

	queryNotificationExists = `
		SELECT 1 FROM notifications WHERE id = ? AND user_id = ?`

	// Certificate queries
	queryInsertCertificate = `
		INSERT INTO certificates (id, order_id, order_code, buyer_id, seller_id, hash, snapshot, archive_key, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`

	queryGetCertificate = `
		SELECT id, order_id, order_code, buyer_id, seller_id, hash, snapshot, archive_key, issued_at
		FROM certificates
		WHERE order_id = ?`

	// Transfer edge queries
	queryInsertTransferEdge = `
		INSERT INTO transfer_edges (order_id, from_node, to_node, credits, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`

	queryGetTransferEdge = `
		SELECT order_id, from_node, to_node, credits, recorded_at
		FROM transfer_edges
		WHERE order_id = ?`

	// Audit ledger queries
	queryLastLedgerDigest = `
		SELECT digest FROM audit_ledger ORDER BY seq DESC LIMIT 1`

	queryInsertLedgerEntry = `
		INSERT INTO audit_ledger (entry_key, value, prev_digest, digest, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entry_key) DO NOTHING`

	queryGetLedgerEntry = `
		SELECT seq, entry_key, value, prev_digest, digest, created_at
		FROM audit_ledger
		WHERE entry_key = ?`

	queryPreviousLedgerDigest = `
		SELECT digest FROM audit_ledger WHERE seq < ? ORDER BY seq DESC LIMIT 1`

	queryLedgerHistory = `
		SELECT seq, entry_key, value, prev_digest, digest, created_at
		FROM audit_ledger
		WHERE entry_key = ?
		ORDER BY seq`
)
