package postgres

// Amounts are stored as integer cents.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		account_number TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS linked_accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		subtitle TEXT NOT NULL DEFAULT '',
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		transfer_id TEXT NOT NULL DEFAULT '',
		external_transfer_id TEXT NOT NULL DEFAULT '',
		simulated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS transactions_user_created_idx ON transactions (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS bank_transfers (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		recipient_account_number TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		memo TEXT NOT NULL DEFAULT '',
		aggregator_transfer_id TEXT NOT NULL DEFAULT '',
		authorization_id TEXT NOT NULL DEFAULT '',
		simulated BOOLEAN NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('initiated', 'pending', 'settled', 'failed')),
		debit_entry_id TEXT NOT NULL,
		credit_entry_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS settlement_jobs (
		transfer_id TEXT PRIMARY KEY REFERENCES bank_transfers(id) ON DELETE CASCADE,
		run_at TIMESTAMPTZ NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'done', 'dead'))
	)`,

	`CREATE INDEX IF NOT EXISTS settlement_jobs_due_idx ON settlement_jobs (run_at) WHERE status = 'queued'`,

	`CREATE TABLE IF NOT EXISTS settlement_dead_letters (
		id BIGSERIAL PRIMARY KEY,
		transfer_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	// process_payment debits every source and credits the recipient in one
	// transaction. Rows are locked in id order. Any failure inside the inner
	// block rolls back to the savepoint and is reported as success = false.
	`CREATE OR REPLACE FUNCTION process_payment(
		p_sender_id TEXT,
		p_recipient_account_number TEXT,
		p_sources JSONB,
		p_total BIGINT,
		p_description TEXT
	) RETURNS TABLE (out_success BOOLEAN, out_transaction_id TEXT, out_message TEXT)
	LANGUAGE plpgsql AS $$
	DECLARE
		v_recipient_id TEXT;
		v_source JSONB;
		v_amount BIGINT;
		v_label TEXT;
		v_sum BIGINT;
		v_rows INTEGER;
		v_txn_id TEXT := gen_random_uuid()::text;
	BEGIN
		SELECT id INTO v_recipient_id FROM users WHERE account_number = p_recipient_account_number;
		IF NOT FOUND THEN
			RETURN QUERY SELECT FALSE, NULL::text, 'Recipient not found';
			RETURN;
		END IF;
		IF v_recipient_id = p_sender_id THEN
			RETURN QUERY SELECT FALSE, NULL::text, 'Cannot send money to yourself';
			RETURN;
		END IF;

		SELECT COALESCE(SUM((s->>'amount_cents')::bigint), 0) INTO v_sum
		FROM jsonb_array_elements(p_sources) AS s;
		IF p_total <= 0 OR v_sum <> p_total THEN
			RETURN QUERY SELECT FALSE, NULL::text, 'Source amounts do not match total';
			RETURN;
		END IF;

		BEGIN
			PERFORM 1 FROM users WHERE id IN (p_sender_id, v_recipient_id) ORDER BY id FOR UPDATE;
			PERFORM 1 FROM linked_accounts
			WHERE user_id = p_sender_id
			  AND id IN (SELECT s->>'id' FROM jsonb_array_elements(p_sources) AS s WHERE s->>'kind' = 'external-bank')
			ORDER BY id FOR UPDATE;

			FOR v_source IN SELECT value FROM jsonb_array_elements(p_sources) ORDER BY value->>'id' LOOP
				v_amount := (v_source->>'amount_cents')::bigint;
				v_label := COALESCE(NULLIF(v_source->>'name', ''), v_source->>'id');
				IF v_amount <= 0 THEN
					RAISE EXCEPTION 'Amount for % must be greater than zero', v_label;
				END IF;

				IF v_source->>'kind' = 'internal-balance' THEN
					UPDATE users SET balance = balance - v_amount
					WHERE id = p_sender_id AND balance >= v_amount;
				ELSE
					UPDATE linked_accounts SET balance = balance - v_amount
					WHERE id = v_source->>'id' AND user_id = p_sender_id AND balance >= v_amount;
				END IF;
				GET DIAGNOSTICS v_rows = ROW_COUNT;
				IF v_rows = 0 THEN
					RAISE EXCEPTION 'Insufficient funds in %', v_label;
				END IF;

				INSERT INTO transactions (id, user_id, amount, category, title, subtitle, pending, transfer_id)
				VALUES (gen_random_uuid()::text, p_sender_id, -v_amount, 'transfer', p_description, v_label, FALSE, v_txn_id);
			END LOOP;

			UPDATE users SET balance = balance + p_total WHERE id = v_recipient_id;
			INSERT INTO transactions (id, user_id, amount, category, title, subtitle, pending, transfer_id)
			VALUES (v_txn_id, v_recipient_id, p_total, 'transfer', p_description, 'Payment received', FALSE, v_txn_id);
		EXCEPTION
			WHEN raise_exception OR check_violation THEN
				RETURN QUERY SELECT FALSE, NULL::text, SQLERRM;
				RETURN;
		END;

		RETURN QUERY SELECT TRUE, v_txn_id, 'Payment completed';
	END;
	$$`,

	// settle_bank_transfer applies a pending transfer at most once. The
	// recipient balance is incremented server-side.
	`CREATE OR REPLACE FUNCTION settle_bank_transfer(
		p_transfer_id TEXT,
		p_recipient_id TEXT,
		p_credit_entry_id TEXT,
		p_title TEXT,
		p_subtitle TEXT,
		p_settled_at TIMESTAMPTZ
	) RETURNS TABLE (out_settled BOOLEAN, out_already_final BOOLEAN, out_credit_entry_id TEXT, out_message TEXT)
	LANGUAGE plpgsql AS $$
	DECLARE
		v_transfer bank_transfers%ROWTYPE;
		v_rows INTEGER;
	BEGIN
		SELECT * INTO v_transfer FROM bank_transfers WHERE id = p_transfer_id FOR UPDATE;
		IF NOT FOUND THEN
			RETURN QUERY SELECT FALSE, FALSE, ''::text, 'transfer_missing';
			RETURN;
		END IF;

		IF v_transfer.state <> 'pending' THEN
			UPDATE settlement_jobs SET status = 'done' WHERE transfer_id = p_transfer_id AND status = 'queued';
			RETURN QUERY SELECT FALSE, TRUE, v_transfer.credit_entry_id, 'already ' || v_transfer.state;
			RETURN;
		END IF;

		UPDATE users SET balance = balance + v_transfer.amount WHERE id = p_recipient_id;
		GET DIAGNOSTICS v_rows = ROW_COUNT;
		IF v_rows = 0 THEN
			RETURN QUERY SELECT FALSE, FALSE, ''::text, 'recipient_missing';
			RETURN;
		END IF;

		UPDATE transactions SET pending = FALSE WHERE id = v_transfer.debit_entry_id;

		INSERT INTO transactions (id, user_id, amount, category, title, subtitle, pending,
			transfer_id, external_transfer_id, simulated, created_at)
		VALUES (p_credit_entry_id, p_recipient_id, v_transfer.amount, 'bank_transfer', p_title, p_subtitle, FALSE,
			p_transfer_id, v_transfer.aggregator_transfer_id, v_transfer.simulated, p_settled_at);

		UPDATE bank_transfers
		SET state = 'settled', recipient_id = p_recipient_id, credit_entry_id = p_credit_entry_id, settled_at = p_settled_at
		WHERE id = p_transfer_id;

		UPDATE settlement_jobs SET status = 'done' WHERE transfer_id = p_transfer_id;

		RETURN QUERY SELECT TRUE, FALSE, p_credit_entry_id, 'settled';
	END;
	$$`,
}
