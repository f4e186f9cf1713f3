// Package service wires the transparency log's components together: the
// registration pipeline (validate, dedupe, append, prove), checkpoint
// issuance, and the read paths the HTTP surface calls into.
package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opentlog/tlogd/internal/config"
	"github.com/opentlog/tlogd/pkg/cose"
	"github.com/opentlog/tlogd/pkg/database"
	"github.com/opentlog/tlogd/pkg/merkle"
	"github.com/opentlog/tlogd/pkg/storage"
)

const (
	defaultMaxStatementBytes       = 1 << 20 // 1 MiB
	defaultRegistrationConcurrency = 128
	defaultAppendMutexTimeout      = 10 * time.Second
)

// IssuerPolicy resolves the public key that should verify a submitted
// statement's signature. Issuer identity resolution is not the log's
// concern; AcceptAllPolicy below is the pluggable accept-all default, and
// a deployment that needs real policy swaps this interface out at
// construction time.
type IssuerPolicy interface {
	// ResolveKey returns the public key to verify against, or a nil key
	// to skip cryptographic verification entirely.
	ResolveKey(headers cose.ProtectedHeaders) (*ecdsa.PublicKey, error)
}

// AcceptAllPolicy resolves no key for any issuer, so registration accepts
// every syntactically valid, correctly-algorithmed COSE Sign1 without
// checking its signature cryptographically. This is the default.
type AcceptAllPolicy struct{}

func (AcceptAllPolicy) ResolveKey(cose.ProtectedHeaders) (*ecdsa.PublicKey, error) {
	return nil, nil
}

// OutcomeStatus classifies a registration attempt's result.
type OutcomeStatus string

const (
	StatusAccepted  OutcomeStatus = "accepted"
	StatusDuplicate OutcomeStatus = "duplicate"
	StatusRejected  OutcomeStatus = "rejected"
)

// RejectReason classifies why a registration was rejected, restricted to the cases the
// registration pipeline itself can produce.
type RejectReason string

const (
	ReasonInvalidCose          RejectReason = "invalid_cose"
	ReasonUnsupportedAlgorithm RejectReason = "unsupported_algorithm"
	ReasonInvalidSignature     RejectReason = "invalid_signature"
	ReasonTransient            RejectReason = "transient"
	ReasonStorage              RejectReason = "storage"
)

// RegistrationOutcome is the result of Registrar.Register: exactly one of
// Accepted, Duplicate, or Rejected.
type RegistrationOutcome struct {
	Status OutcomeStatus

	// Position, StatementHash, and ReceiptBytes are set for Accepted and
	// Duplicate.
	Position       int64
	StatementHash  string
	ReceiptBytes   []byte
	ReceiptPending bool // Prove failed after a durable append; fetch via GET later.

	// RejectReason and RetryAfter are set for Rejected.
	RejectReason RejectReason
	RetryAfter   time.Duration
}

// TransparencyService is the registrar, tile log, and checkpoint signer
// bound to one log instance's storage.
type TransparencyService struct {
	config     *config.Config
	db         *sql.DB
	storage    storage.Storage
	tileLog    *merkle.TileLog
	policy     IssuerPolicy
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	kid        string
	logger     *slog.Logger

	// appendSem serializes the dedupe-and-persist step in-process, with a
	// bounded acquire wait. The serializable MetaStore transaction is what
	// actually guarantees correctness; this only avoids wasted
	// SQLITE_BUSY retries between goroutines in the same process.
	appendSem     *semaphore.Weighted
	appendTimeout time.Duration

	// admission bounds concurrent in-flight registrations (backpressure
	// via registration_concurrency).
	admission *semaphore.Weighted

	maxStatementBytes int64

	// writeDisabled is set when an integrity failure is detected (tile
	// state inconsistent with tree size). Reads keep working; writes and
	// /health report the condition until an operator intervenes.
	writeDisabled  atomic.Bool
	disabledReason atomic.Value // string
}

// NewTransparencyService opens the database and blob store named by cfg and
// loads the service's ES256 signing key.
func NewTransparencyService(cfg *config.Config) (*TransparencyService, error) {
	db, err := database.OpenDatabase(database.DatabaseOptions{
		Path:      cfg.Database.Path,
		EnableWAL: cfg.Database.EnableWAL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := newBlobStore(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	store = storage.NewPrefixedStorage(store, cfg.StoragePrefix)

	privateKey, err := loadPrivateKey(cfg.Keys.Private)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	publicKey, err := loadPublicKey(cfg.Keys.Public)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}

	concurrency := cfg.RegistrationConcurrency
	if concurrency <= 0 {
		concurrency = defaultRegistrationConcurrency
	}
	maxBytes := cfg.MaxStatementBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxStatementBytes
	}
	appendTimeout := defaultAppendMutexTimeout
	if cfg.AppendMutexTimeoutMs > 0 {
		appendTimeout = time.Duration(cfg.AppendMutexTimeoutMs) * time.Millisecond
	}

	return &TransparencyService{
		config:            cfg,
		db:                db,
		storage:           store,
		tileLog:           merkle.NewTileLog(store),
		policy:            AcceptAllPolicy{},
		privateKey:        privateKey,
		publicKey:         publicKey,
		kid:               cfg.Keys.Kid,
		logger:            slog.Default().With("component", "service"),
		appendSem:         semaphore.NewWeighted(1),
		appendTimeout:     appendTimeout,
		admission:         semaphore.NewWeighted(int64(concurrency)),
		maxStatementBytes: maxBytes,
	}, nil
}

func newBlobStore(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Storage.Path)
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "s3":
		if cfg.Storage.S3 == nil {
			return nil, fmt.Errorf("s3 storage requires s3 configuration")
		}
		return storage.NewS3Storage(context.Background(), storage.S3Options{
			Bucket:    cfg.Storage.S3.Bucket,
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// Close closes the service and all resources.
func (s *TransparencyService) Close() error {
	if s.db != nil {
		return database.CloseDatabase(s.db)
	}
	return nil
}

// SetPolicy replaces the issuer key resolution policy.
func (s *TransparencyService) SetPolicy(p IssuerPolicy) {
	if p != nil {
		s.policy = p
	}
}

// Ready reports whether the service accepts writes, and the reason if not.
func (s *TransparencyService) Ready() (bool, string) {
	if s.writeDisabled.Load() {
		reason, _ := s.disabledReason.Load().(string)
		return false, reason
	}
	return true, ""
}

// disableWrites flips the integrity write-disable flag. It is never
// cleared at runtime; recovery requires operator action and a restart.
func (s *TransparencyService) disableWrites(reason string) {
	s.disabledReason.Store(reason)
	s.writeDisabled.Store(true)
	s.logger.Error("writes disabled after integrity failure", "reason", reason)
}

// Register runs a submitted statement through Validate, Dedupe-and-persist,
// and Prove. Only unexpected internal failures are returned as an
// error; every classifiable failure comes back as a Rejected outcome so
// HttpSurface can map it to a status code without inspecting error strings.
func (s *TransparencyService) Register(ctx context.Context, statementBytes []byte) (*RegistrationOutcome, error) {
	if !s.admission.TryAcquire(1) {
		return &RegistrationOutcome{
			Status:       StatusRejected,
			RejectReason: ReasonTransient,
			RetryAfter:   time.Second,
		}, nil
	}
	defer s.admission.Release(1)

	if s.writeDisabled.Load() {
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonStorage}, nil
	}

	if int64(len(statementBytes)) > s.maxStatementBytes {
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonInvalidCose}, nil
	}

	sign1, err := cose.DecodeCoseSign1(statementBytes)
	if err != nil {
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonInvalidCose}, nil
	}

	headers, err := cose.GetProtectedHeaders(sign1)
	if err != nil {
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonInvalidCose}, nil
	}

	alg, ok := headerInt(headers[uint64(cose.HeaderLabelAlg)])
	if !ok || alg != cose.AlgorithmES256 {
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonUnsupportedAlgorithm}, nil
	}
	if _, ok := headerInt(headers[uint64(cose.HeaderLabelPayloadHashAlg)]); !ok {
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonUnsupportedAlgorithm}, nil
	}

	key, err := s.policy.ResolveKey(headers)
	if err != nil {
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonInvalidSignature}, nil
	}
	if key != nil {
		verifier, err := cose.NewES256Verifier(key)
		if err != nil {
			return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonInvalidSignature}, nil
		}
		valid, err := cose.VerifyCoseSign1(sign1, verifier, nil)
		if err != nil || !valid {
			return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonInvalidSignature}, nil
		}
	}

	statementHash := sha256.Sum256(statementBytes)
	statementHashHex := hex.EncodeToString(statementHash[:])

	position, duplicate, err := s.appendOrFindDuplicate(ctx, statementBytes, sign1.Payload, statementHash, statementHashHex, headers)
	if err != nil {
		if errors.Is(err, merkle.ErrTileState) {
			s.disableWrites(err.Error())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errAppendBusy) || errors.Is(err, database.ErrBusy) {
			return &RegistrationOutcome{
				Status:       StatusRejected,
				RejectReason: ReasonTransient,
				RetryAfter:   time.Second,
			}, nil
		}
		s.logger.Error("registration persist failed", "error", err)
		return &RegistrationOutcome{Status: StatusRejected, RejectReason: ReasonStorage}, nil
	}

	size := position + 1
	receiptBytes, proveErr := s.buildReceipt(position, size)

	outcome := &RegistrationOutcome{Position: position, StatementHash: statementHashHex}
	if duplicate {
		outcome.Status = StatusDuplicate
	} else {
		outcome.Status = StatusAccepted
	}
	if proveErr != nil {
		// The entry is already durable; only the proof step failed. The
		// caller still gets Accepted/Duplicate, just without the receipt
		// attached — a subsequent GET reproduces it deterministically.
		s.logger.Warn("receipt deferred after durable append", "position", position, "error", proveErr)
		outcome.ReceiptPending = true
		return outcome, nil
	}
	outcome.ReceiptBytes = receiptBytes
	return outcome, nil
}

var errAppendBusy = errors.New("append critical section busy")

// appendOrFindDuplicate runs the dedupe-and-persist step inside a
// single serializable transaction so the tree_size increment commits
// atomically with the new entry row. Tile writes go to blob storage
// before that commit and are not rolled back if it fails.
func (s *TransparencyService) appendOrFindDuplicate(ctx context.Context, statementBytes []byte, payload []byte, statementHash [32]byte, statementHashHex string, headers cose.ProtectedHeaders) (position int64, duplicate bool, err error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	defer cancel()
	if err := s.appendSem.Acquire(acquireCtx, 1); err != nil {
		return 0, false, errAppendBusy
	}
	defer s.appendSem.Release(1)

	err = database.WithImmediateTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := database.GetStatementByHash(tx, statementHashHex)
		if err != nil {
			return err
		}
		if existing != nil {
			position = existing.EntryID
			duplicate = true
			return nil
		}

		n, err := database.GetCurrentTreeSize(tx)
		if err != nil {
			return err
		}

		if err := s.tileLog.Append(n, statementHash); err != nil {
			return fmt.Errorf("appending tiles: %w", err)
		}

		row := statementFromHeaders(statementHashHex, statementBytes, payload, n, headers)
		if err := database.InsertStatement(tx, n, row); err != nil {
			return err
		}
		if err := database.UpdateTreeSize(tx, n+1); err != nil {
			return err
		}

		position = n
		return nil
	})

	return position, duplicate, err
}

func statementFromHeaders(statementHashHex string, statementBytes []byte, payload []byte, position int64, headers cose.ProtectedHeaders) database.Statement {
	var issuer, subject, contentType, typ string

	if cwtClaims, ok := headers[uint64(cose.HeaderLabelCWTClaims)].(map[interface{}]interface{}); ok {
		if iss, ok := cwtClaims[uint64(cose.CWTClaimIss)].(string); ok {
			issuer = iss
		}
		if sub, ok := cwtClaims[uint64(cose.CWTClaimSub)].(string); ok {
			subject = sub
		}
	}
	if cty, ok := headers[uint64(cose.HeaderLabelContentType)].(string); ok {
		contentType = cty
	}
	if t, ok := headers[uint64(cose.HeaderLabelTyp)].(string); ok {
		typ = t
	}

	payloadHashAlg, _ := headerInt(headers[uint64(cose.HeaderLabelPayloadHashAlg)])
	payloadHash := hex.EncodeToString(payload)

	var preimageCty, payloadLocation *string
	if v, ok := headers[uint64(cose.HeaderLabelPayloadPreimageContentType)].(string); ok {
		preimageCty = &v
	}
	if v, ok := headers[uint64(cose.HeaderLabelPayloadLocation)].(string); ok {
		payloadLocation = &v
	}

	var subPtr, ctyPtr, typPtr *string
	if subject != "" {
		subPtr = &subject
	}
	if contentType != "" {
		ctyPtr = &contentType
	}
	if typ != "" {
		typPtr = &typ
	}

	return database.Statement{
		StatementHash:          statementHashHex,
		StatementBytes:         statementBytes,
		Iss:                    issuer,
		Sub:                    subPtr,
		Cty:                    ctyPtr,
		Typ:                    typPtr,
		PayloadHashAlg:         payloadHashAlg,
		PayloadHash:            payloadHash,
		PreimageContentType:    preimageCty,
		PayloadLocation:        payloadLocation,
		TreeSizeAtRegistration: position,
		EntryTileKey:           merkle.EntryTileIndexToPath(merkle.EntryIDToTileIndex(position), nil),
		EntryTileOffset:        merkle.EntryIDToTileOffset(position),
	}
}

func headerInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

// buildReceipt computes the inclusion proof and root for (position, size),
// reuses or creates the checkpoint for size, and signs a receipt.
func (s *TransparencyService) buildReceipt(position, size int64) ([]byte, error) {
	proof, err := merkle.GenerateInclusionProof(s.storage, position, size)
	if err != nil {
		return nil, fmt.Errorf("generating inclusion proof: %w", err)
	}

	root, err := merkle.ComputeTreeRoot(s.storage, size)
	if err != nil {
		return nil, fmt.Errorf("computing root: %w", err)
	}

	if _, err := s.getOrCreateCheckpoint(size, root); err != nil {
		return nil, fmt.Errorf("issuing checkpoint: %w", err)
	}

	receipt, err := merkle.CreateReceipt(position, size, proof.AuditPath, s.privateKey, s.kid)
	if err != nil {
		return nil, fmt.Errorf("signing receipt: %w", err)
	}

	return merkle.EncodeReceipt(receipt)
}

// getOrCreateCheckpoint returns the checkpoint for tree_size == size,
// creating and persisting one if this is the first request to reach that
// size. Checkpoints are idempotent per size; a unique
// constraint violation on insert means a concurrent registration won the
// race, so this simply reloads what it wrote.
func (s *TransparencyService) getOrCreateCheckpoint(size int64, root [merkle.HashSize]byte) (*database.TreeState, error) {
	if existing, err := database.GetTreeState(s.db, size); err == nil && existing != nil {
		return existing, nil
	}

	checkpoint, err := merkle.CreateCheckpoint(size, root, time.Now().Unix(), s.config.Origin, s.privateKey, s.kid)
	if err != nil {
		return nil, err
	}
	checkpointBytes, err := merkle.EncodeCheckpoint(checkpoint)
	if err != nil {
		return nil, err
	}

	state := database.TreeState{
		TreeSize:             size,
		RootHash:             hex.EncodeToString(root[:]),
		CheckpointStorageKey: fmt.Sprintf("checkpoint/%d", size),
		CheckpointCOSE:       checkpointBytes,
	}

	if err := database.RecordTreeState(s.db, state); err != nil {
		if !isUniqueViolation(err) {
			return nil, err
		}
		// Lost the race; another goroutine already recorded this size.
		existing, lookupErr := database.GetTreeState(s.db, size)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, nil
		}
	}

	return &state, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// GetEntry returns the raw statement bytes registered at position.
func (s *TransparencyService) GetEntry(position int64) ([]byte, error) {
	stmt, err := database.GetStatementByEntryID(s.db, position)
	if err != nil {
		return nil, err
	}
	if stmt == nil {
		return nil, ErrNotFound
	}
	return stmt.StatementBytes, nil
}

// GetReceipt reproduces the inclusion receipt for position. Receipts are
// not stored verbatim; they are recomputed from the durable tiles and
// signed again. Two signatures over the same payload differ bitwise and
// both verify.
func (s *TransparencyService) GetReceipt(position int64) ([]byte, error) {
	stmt, err := database.GetStatementByEntryID(s.db, position)
	if err != nil {
		return nil, err
	}
	if stmt == nil {
		return nil, ErrNotFound
	}

	size := stmt.TreeSizeAtRegistration + 1
	return s.buildReceipt(position, size)
}

// QueryEntries returns registered statement metadata matching the filters.
func (s *TransparencyService) QueryEntries(filters database.StatementQueryFilters) ([]database.Statement, error) {
	return database.FindStatementsBy(s.db, filters)
}

// GetCheckpoint returns the latest signed tree head.
func (s *TransparencyService) GetCheckpoint() ([]byte, error) {
	treeSize, err := database.GetCurrentTreeSize(s.db)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree size: %w", err)
	}
	if treeSize == 0 {
		checkpoint, err := merkle.CreateCheckpoint(0, [merkle.HashSize]byte{}, time.Now().Unix(), s.config.Origin, s.privateKey, s.kid)
		if err != nil {
			return nil, err
		}
		return merkle.EncodeCheckpoint(checkpoint)
	}

	root, err := merkle.ComputeTreeRoot(s.storage, treeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to compute root: %w", err)
	}

	state, err := s.getOrCreateCheckpoint(treeSize, root)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return state.CheckpointCOSE, nil
}

// GetTile returns the raw bytes of a tree tile at (level, index[, width]).
// The full-tile key resolves only once the tile holds all 256 hashes; a
// growing tile is only addressable through its partial-width keys.
func (s *TransparencyService) GetTile(level int, index int64, width *int) ([]byte, error) {
	path := merkle.TileIndexToPath(level, index, width)
	data, err := s.storage.Get(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	if width == nil && len(data) != merkle.FullTileBytes {
		return nil, ErrNotFound
	}
	return data, nil
}

// GetEntryTile returns the raw bytes of an entry (leaf preimage) tile.
func (s *TransparencyService) GetEntryTile(index int64, width *int) ([]byte, error) {
	path := merkle.EntryTileIndexToPath(index, width)
	data, err := s.storage.Get(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	if width == nil && len(data) != merkle.FullTileBytes {
		return nil, ErrNotFound
	}
	return data, nil
}

// TreeSize returns the current number of appended entries.
func (s *TransparencyService) TreeSize() (int64, error) {
	return database.GetCurrentTreeSize(s.db)
}

// GetTransparencyConfiguration returns the service's well-known
// configuration document, including the public key verifiers need for
// receipts and checkpoints.
func (s *TransparencyService) GetTransparencyConfiguration() map[string]interface{} {
	doc := map[string]interface{}{
		"origin": s.config.Origin,
		"supported_algorithms": []string{
			"ES256",
		},
		"supported_hash_algorithms": []string{
			"SHA-256",
		},
		"registration_policy": map[string]interface{}{
			"type": "open",
		},
	}
	if jwk, err := cose.ExportPublicKeyToJWK(s.publicKey); err == nil {
		jwk.Kid = s.kid
		doc["jwks"] = map[string]interface{}{
			"keys": []interface{}{jwk},
		}
	}
	return doc
}

// ErrNotFound is returned by read-path lookups that find nothing at the
// given position, tile, or checkpoint.
var ErrNotFound = fmt.Errorf("not found")

func loadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	return cose.ImportPrivateKeyFromPEM(string(pemData))
}

func loadPublicKey(path string) (*ecdsa.PublicKey, error) {
	jwkData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	jwk, err := cose.UnmarshalJWK(jwkData)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWK: %w", err)
	}
	return cose.ImportPublicKeyFromJWK(jwk)
}
