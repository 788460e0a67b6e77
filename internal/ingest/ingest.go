// Package ingest implements the per-message pipeline: look the file up in
// the user inbox, split off the Crypt4GH header, move the payload to the
// vault and record every step in the database.
package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ega-archive/lega-ingest/internal/broker"
	"github.com/ega-archive/lega-ingest/internal/c4gh"
	"github.com/ega-archive/lega-ingest/internal/errs"
	"github.com/ega-archive/lega-ingest/internal/storage"
)

// Progress announcements go upstream on a separate exchange.
const (
	cegaExchange  = "cega"
	processingKey = "files.processing"
)

// Database is the slice of the DB gateway the pipeline uses.
type Database interface {
	InsertFile(ctx context.Context, filepath, userID string) (int64, error)
	MarkInProgress(ctx context.Context, fileID int64) error
	SetInfo(ctx context.Context, fileID int64, vaultPath string, vaultSize int64, headerHex string) error
	SetError(ctx context.Context, fileID int64, cause error) error
}

// Worker ties the database, the vault backend and the broker together for
// one delivery at a time.
type Worker struct {
	db            Database
	vault         storage.Backend
	pub           broker.Publisher
	inboxTemplate string // inbox.location, one %s substituted with the user id

	// readHeader splits the container header from a stream, leaving the
	// stream at the payload. Tests substitute it.
	readHeader func(io.Reader) ([]byte, error)
}

// New builds a Worker. inboxTemplate is the inbox.location config value; a
// template without a user placeholder is a site misconfiguration and is
// rejected up front, before any delivery can be misattributed to a submitter.
func New(db Database, vault storage.Backend, pub broker.Publisher, inboxTemplate string) (*Worker, error) {
	if !strings.Contains(inboxTemplate, "%s") {
		return nil, fmt.Errorf("inbox.location must be set and contain a %%s user placeholder")
	}
	return &Worker{
		db:            db,
		vault:         vault,
		pub:           pub,
		inboxTemplate: inboxTemplate,
		readHeader:    c4gh.ReadHeader,
	}, nil
}

// Do processes one ingestion request. On success it returns the reply the
// dispatcher publishes on the default routing key. Once the file record
// exists, any failure is attributed to it in the errors table before it
// propagates.
func (w *Worker) Do(ctx context.Context, log zerolog.Logger, msg broker.Message) (map[string]any, error) {
	data := msg.Content

	path, ok := data["filepath"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("missing filepath in request")
	}
	log.Info().Str("filepath", path).Msg("processing")

	user, ok := data["user"].(string)
	if !ok || user == "" {
		return nil, fmt.Errorf("missing user in request")
	}
	userID := SanitizeUserID(user)

	// The record must exist before any side effect, so errors can be
	// attributed to it.
	fileID, err := w.db.InsertFile(ctx, path, userID)
	if err != nil {
		return nil, err
	}
	data["file_id"] = fileID

	result, err := w.process(ctx, log, msg, fileID, path, userID)
	if err != nil {
		if dbErr := w.db.SetError(ctx, fileID, err); dbErr != nil {
			log.Error().Err(dbErr).Int64("file_id", fileID).Msg("recording error failed")
		}
		return nil, err
	}
	return result, nil
}

func (w *Worker) process(ctx context.Context, log zerolog.Logger, msg broker.Message, fileID int64, path, userID string) (map[string]any, error) {
	data := msg.Content
	orgMsg := maps.Clone(data)
	data["org_msg"] = orgMsg

	inbox := fmt.Sprintf(w.inboxTemplate, userID)
	inboxPath := filepath.Join(inbox, strings.TrimLeft(path, "/"))
	log.Info().Str("inbox_path", inboxPath).Msg("looking up inbox file")

	if _, err := os.Stat(inboxPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundInInbox(path)
		}
		return nil, fmt.Errorf("inspecting %s: %w", inboxPath, err)
	}

	if err := w.db.MarkInProgress(ctx, fileID); err != nil {
		return nil, err
	}

	// Announce progress upstream; the status field is outbound only.
	orgMsg["status"] = "PROCESSING"
	if err := w.pub.Publish(ctx, orgMsg, cegaExchange, processingKey, msg.CorrelationID); err != nil {
		return nil, fmt.Errorf("announcing progress: %w", err)
	}
	delete(orgMsg, "status")

	infile, err := os.Open(inboxPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", inboxPath, err)
	}
	defer infile.Close()

	header, err := w.readHeader(infile)
	if err != nil {
		if c4gh.IsHeaderError(err) {
			// The submitter uploaded something that is not a valid
			// container; that is on them, not on us.
			return nil, &errs.FromUser{Kind: "Crypt4ghHeaderError", Err: err}
		}
		return nil, fmt.Errorf("reading header of %s: %w", inboxPath, err)
	}

	target := w.vault.Location(fileID)
	log.Info().Int64("file_id", fileID).Str("target", target).Msg("moving payload to vault")
	targetSize, err := w.vault.Copy(ctx, infile, target)
	if err != nil {
		return nil, fmt.Errorf("copying payload to vault: %w", err)
	}

	headerHex := hex.EncodeToString(header)
	if err := w.db.SetInfo(ctx, fileID, target, targetSize, headerHex); err != nil {
		return nil, err
	}

	data["header"] = headerHex
	data["vault_path"] = target
	log.Info().Int64("file_id", fileID).Int64("vault_size", targetSize).Msg("ingestion completed")
	return data, nil
}
