package db

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// Tables in creation order. messages is clustered newest first so a page
// is one slice read; message_chat resolves a bare message id to its chat.
var tables = []struct {
	name string
	ddl  string
}{
	{"chats", `CREATE TABLE IF NOT EXISTS chats (
		id text PRIMARY KEY,
		name text,
		image_url text,
		is_group boolean,
		participants list<text>,
		admins list<text>,
		created_by text,
		created_at timestamp,
		updated_at timestamp,
		last_message text
	)`},
	{"user_chats", `CREATE TABLE IF NOT EXISTS user_chats (
		user_id text,
		chat_id text,
		PRIMARY KEY (user_id, chat_id)
	)`},
	{"private_chats", `CREATE TABLE IF NOT EXISTS private_chats (
		pair text PRIMARY KEY,
		chat_id text
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		chat_id text,
		id bigint,
		sender_id text,
		type text,
		content text,
		media_url text,
		reply_id bigint,
		reply_content text,
		reply_sender text,
		reply_deleted boolean,
		is_edited boolean,
		is_deleted boolean,
		created_at timestamp,
		updated_at timestamp,
		read_info map<text, timestamp>,
		PRIMARY KEY (chat_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},
	{"message_chat", `CREATE TABLE IF NOT EXISTS message_chat (
		id bigint PRIMARY KEY,
		chat_id text
	)`},
	{"replies", `CREATE TABLE IF NOT EXISTS replies (
		chat_id text,
		reply_to bigint,
		id bigint,
		PRIMARY KEY ((chat_id, reply_to), id)
	)`},
}

// TableNames lists the tables Migrate creates.
func TableNames() []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.name
	}
	return out
}

// Migrate creates the keyspace and every table if they do not exist yet.
func Migrate(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sys, err := NewSession(Config{Hosts: cfg.Hosts, Keyspace: "system", Logger: logger})
	if err != nil {
		return fmt.Errorf("connect system keyspace: %w", err)
	}
	err = sys.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`,
		cfg.Keyspace)).WithContext(ctx).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace %s: %w", cfg.Keyspace, err)
	}

	session, err := NewSession(cfg)
	if err != nil {
		return fmt.Errorf("connect keyspace %s: %w", cfg.Keyspace, err)
	}
	defer session.Close()
	for _, t := range tables {
		if err := session.Query(t.ddl).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
		logger.Info("table ready", "table", t.name)
	}
	return nil
}

// Drop removes the named tables, or every table when names is empty.
func Drop(ctx context.Context, session *Session, names ...string) error {
	if len(names) == 0 {
		names = TableNames()
	}
	known := TableNames()
	for _, name := range names {
		if !slices.Contains(known, name) {
			return fmt.Errorf("unknown table %q", name)
		}
		if err := session.Query("DROP TABLE IF EXISTS " + name).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
	}
	return nil
}
