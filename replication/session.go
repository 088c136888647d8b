// Package replication maintains a logical replication session against
// an upstream PostgreSQL server: the replication-mode connection, the
// slot and publication handshake, the CopyBoth streaming loop, and the
// standby status feedback that lets the server trim its WAL.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/beaver/protocol"
	"github.com/maxpert/beaver/telemetry"
	"github.com/maxpert/beaver/wal"
)

const defaultStatusInterval = 10 * time.Second

// State tracks the session lifecycle.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SlotError reports a replication slot problem the operator has to
// resolve, typically a missing slot when create_slot is off.
type SlotError struct {
	Slot    string
	Code    string
	Message string
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("replication slot %q: %s (SQLSTATE %s)", e.Slot, e.Message, e.Code)
}

// Config describes one replication session.
type Config struct {
	ConnString     string
	Slot           string
	Publication    string
	CreateSlot     bool
	StartLSN       wal.LSN // zero resumes from the slot's confirmed position
	StatusInterval time.Duration
}

// Session is a single logical replication stream. NextChange must be
// called from one goroutine; Ack and Positions are safe to call from
// others.
type Session struct {
	cfg     Config
	conn    *pgconn.PgConn
	decoder *protocol.Decoder
	logger  zerolog.Logger

	state          State
	statusDeadline time.Time

	mu           sync.Mutex
	lastReceived wal.LSN
	lastAcked    wal.LSN
}

// Open connects in replication mode, ensures the slot per the config
// and starts streaming. On return the session is in the streaming
// state and NextChange may be called.
func Open(ctx context.Context, config Config) (*Session, error) {
	if config.StatusInterval <= 0 {
		config.StatusInterval = defaultStatusInterval
	}

	s := &Session{
		cfg:     config,
		decoder: protocol.NewDecoder(protocol.NewRelationCache()),
		logger:  log.With().Str("slot", config.Slot).Str("publication", config.Publication).Logger(),
		state:   StateConnecting,
	}

	connCfg, err := pgconn.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	connCfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect for replication: %w", err)
	}
	s.conn = conn
	s.state = StateHandshaking

	sysident, err := s.identifySystem(ctx)
	if err != nil {
		conn.Close(ctx)
		return nil, err
	}
	s.logger.Info().
		Str("system_id", sysident.SystemID).
		Int("timeline", sysident.Timeline).
		Str("xlog_pos", sysident.XLogPos.String()).
		Str("database", sysident.Database).
		Msg("Identified upstream system")

	if config.CreateSlot {
		if err := s.createSlot(ctx); err != nil {
			conn.Close(ctx)
			return nil, err
		}
	}

	if err := s.startReplication(ctx, config.StartLSN); err != nil {
		conn.Close(ctx)
		return nil, err
	}

	s.state = StateStreaming
	s.setReceived(config.StartLSN)
	s.mu.Lock()
	s.lastAcked = config.StartLSN
	s.mu.Unlock()

	// First status update goes out on the first NextChange call
	s.statusDeadline = time.Now()

	s.logger.Info().Str("start_lsn", config.StartLSN.String()).Msg("Streaming started")
	return s, nil
}

type systemIdent struct {
	SystemID string
	Timeline int
	XLogPos  wal.LSN
	Database string
}

func (s *Session) identifySystem(ctx context.Context) (systemIdent, error) {
	results, err := s.conn.Exec(ctx, "IDENTIFY_SYSTEM").ReadAll()
	if err != nil {
		return systemIdent{}, fmt.Errorf("identify system: %w", err)
	}
	if len(results) == 0 || len(results[0].Rows) != 1 || len(results[0].Rows[0]) < 4 {
		return systemIdent{}, errors.New("identify system: unexpected result shape")
	}

	row := results[0].Rows[0]
	var ident systemIdent
	ident.SystemID = string(row[0])
	if _, err := fmt.Sscanf(string(row[1]), "%d", &ident.Timeline); err != nil {
		return systemIdent{}, fmt.Errorf("identify system: bad timeline %q", row[1])
	}
	ident.XLogPos, err = wal.ParseLSN(string(row[2]))
	if err != nil {
		return systemIdent{}, fmt.Errorf("identify system: %w", err)
	}
	ident.Database = string(row[3])
	return ident, nil
}

func (s *Session) createSlot(ctx context.Context) error {
	sql := fmt.Sprintf("CREATE_REPLICATION_SLOT %s LOGICAL pgoutput", s.cfg.Slot)
	_, err := s.conn.Exec(ctx, sql).ReadAll()
	if err == nil {
		s.logger.Info().Msg("Created replication slot")
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42710" {
		// duplicate_object, the slot is already there
		s.logger.Debug().Msg("Replication slot already exists")
		return nil
	}
	return fmt.Errorf("create replication slot: %w", err)
}

func (s *Session) startReplication(ctx context.Context, startLSN wal.LSN) error {
	sql := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL %s (proto_version '1', publication_names '%s')",
		s.cfg.Slot, startLSN, s.cfg.Publication,
	)

	s.conn.Frontend().SendQuery(&pgproto3.Query{String: sql})
	if err := s.conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	for {
		msg, err := s.conn.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("start replication: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.NoticeResponse:
			continue
		case *pgproto3.ErrorResponse:
			pgErr := pgconn.ErrorResponseToPgError(msg)
			if pgErr.Code == "42704" {
				// undefined_object, the slot does not exist
				return &SlotError{Slot: s.cfg.Slot, Code: pgErr.Code, Message: pgErr.Message}
			}
			return fmt.Errorf("start replication: %w", pgErr)
		case *pgproto3.CopyBothResponse:
			return nil
		default:
			return fmt.Errorf("start replication: unexpected response %T", msg)
		}
	}
}

// NextChange blocks until the next decoded change record arrives,
// sending standby status updates on schedule along the way. Keepalives
// and record types without consumers are handled internally. Decode
// failures are fatal for the session.
func (s *Session) NextChange(ctx context.Context) (*wal.Change, error) {
	if s.state != StateStreaming {
		return nil, fmt.Errorf("session is %s", s.state)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if time.Now().After(s.statusDeadline) {
			if err := s.sendStandbyStatus(ctx); err != nil {
				return nil, err
			}
		}

		receiveCtx, cancel := context.WithDeadline(ctx, s.statusDeadline)
		msg, err := s.conn.ReceiveMessage(receiveCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return nil, fmt.Errorf("receive message: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.ErrorResponse:
			return nil, fmt.Errorf("upstream error: %w", pgconn.ErrorResponseToPgError(msg))
		case *pgproto3.CopyData:
			change, err := s.handleCopyData(msg.Data)
			if err != nil {
				return nil, err
			}
			if change != nil {
				return change, nil
			}
		default:
			s.logger.Debug().Type("message", msg).Msg("Ignoring non-copy message")
		}
	}
}

func (s *Session) handleCopyData(data []byte) (*wal.Change, error) {
	if len(data) == 0 {
		return nil, errors.New("empty copy data frame")
	}

	switch data[0] {
	case framePrimaryStatus:
		keepalive, err := parsePrimaryKeepalive(data[1:])
		if err != nil {
			return nil, err
		}
		telemetry.FramesReceivedTotal.With("keepalive").Inc()
		s.setReceived(keepalive.WALEnd)
		if keepalive.ReplyRequested {
			s.statusDeadline = time.Now()
		}
		return nil, nil

	case frameXLogData:
		xld, err := parseXLogData(data[1:])
		if err != nil {
			return nil, err
		}
		telemetry.FramesReceivedTotal.With("xlog_data").Inc()
		s.setReceived(xld.WALStart + wal.LSN(len(xld.Data)))

		started := time.Now()
		change, err := s.decoder.Decode(xld.Data, xld.WALStart, xld.SendTime)
		telemetry.DecodeDurationSeconds.Observe(time.Since(started).Seconds())
		if err != nil {
			telemetry.DecodeErrorsTotal.Inc()
			return nil, fmt.Errorf("decode change at %s: %w", xld.WALStart, err)
		}
		if change != nil {
			telemetry.ChangesDecodedTotal.With(change.Kind.String()).Inc()
		}
		return change, nil

	default:
		s.logger.Debug().Str("tag", string(data[0])).Msg("Ignoring unknown copy frame")
		return nil, nil
	}
}

// Ack records that everything up to and including lsn has been durably
// handled downstream. The position is clamped to what has actually
// been received and never moves backward. The server learns about it
// on the next standby status update.
func (s *Session) Ack(lsn wal.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lsn > s.lastReceived {
		lsn = s.lastReceived
	}
	if lsn > s.lastAcked {
		s.lastAcked = lsn
	}
}

// Positions returns the last received and last acknowledged positions.
func (s *Session) Positions() (received, acknowledged uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.lastReceived), uint64(s.lastAcked)
}

// CachedRelations returns the relation schema cache size.
func (s *Session) CachedRelations() int {
	return s.decoder.Relations().Len()
}

// Schema returns the cached schema for a relation, if the stream has
// announced it.
func (s *Session) Schema(relationID uint32) (*wal.RelationSchema, bool) {
	return s.decoder.Relations().Get(relationID)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Close sends a final status update on a best effort basis and tears
// the connection down.
func (s *Session) Close(ctx context.Context) error {
	if s.state == StateClosed {
		return nil
	}
	if s.state == StateStreaming {
		if err := s.sendStandbyStatus(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send final status update")
		}
	}
	s.state = StateClosed
	return s.conn.Close(ctx)
}

func (s *Session) sendStandbyStatus(ctx context.Context) error {
	s.mu.Lock()
	position := s.lastAcked
	s.mu.Unlock()

	frame := marshalStandbyStatus(position, time.Now())
	s.conn.Frontend().Send(&pgproto3.CopyData{Data: frame})
	if err := s.conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}

	telemetry.StandbyStatusTotal.Inc()
	telemetry.AcknowledgedLSN.Set(float64(position))
	s.statusDeadline = time.Now().Add(s.cfg.StatusInterval)
	return nil
}

func (s *Session) setReceived(lsn wal.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsn > s.lastReceived {
		s.lastReceived = lsn
		telemetry.ReceivedLSN.Set(float64(lsn))
	}
}
