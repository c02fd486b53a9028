package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"raffle/internal/models"
)

const raffleCounter = "raffle"

type raffleRecord struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement:false"`
	ID         string `gorm:"uniqueIndex;size:32;not null"`
	Creator    string `gorm:"size:128;not null"`
	Reason     string `gorm:"type:text;not null"`
	NumWinners int    `gorm:"not null"`
	OpenedAt   string `gorm:"column:created_at;size:64"`
	EndDate    string `gorm:"size:64;not null"`
	IsResolved bool   `gorm:"default:false"`
}

func (raffleRecord) TableName() string { return "raffles" }

type participantRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	RaffleID       string `gorm:"index;size:32;not null"`
	Username       string `gorm:"uniqueIndex;size:255;not null"`
	Reason         string `gorm:"type:text;not null"`
	EntryTimestamp string `gorm:"size:64"`
	IsWinner       bool   `gorm:"default:false"`
}

func (participantRecord) TableName() string { return "participants" }

type winnerRecord struct {
	RaffleID string `gorm:"primaryKey;size:32"`
	Position int    `gorm:"primaryKey;autoIncrement:false"`
	Username string `gorm:"size:255;not null"`
}

func (winnerRecord) TableName() string { return "winners" }

type usernameRecord struct {
	Username string `gorm:"primaryKey;size:255"`
	RaffleID string `gorm:"size:32;not null"`
}

func (usernameRecord) TableName() string { return "usernames" }

type counterRecord struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64 `gorm:"not null"`
}

func (counterRecord) TableName() string { return "counters" }

// GormStore persists state through gorm. Writes are serialized in process
// and each Update runs in one database transaction.
type GormStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// OpenGorm opens a sqlite or mysql database and migrates the schema.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	logger.Infof("Opening %s store", driver)
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(gormWriter{}),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("storage: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGormStore(db)
}

// sqliteDSN makes writers queue on the database lock instead of failing when
// another process holds it. Transactions take the write lock at BEGIN so two
// writers never both read and then race to upgrade.
func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// newGormLogger reports slow queries and failures but not lookup misses,
// which are a normal outcome here.
func newGormLogger(w gormlogger.Writer) gormlogger.Interface {
	return gormlogger.New(w, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// gormWriter routes gorm's log lines into the service log.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	logger.Warningf("gorm: "+format, args...)
}

// NewGormStore wraps an open gorm handle and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	err := db.AutoMigrate(
		&raffleRecord{},
		&participantRecord{},
		&winnerRecord{},
		&usernameRecord{},
		&counterRecord{},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&gormTx{db: s.db.WithContext(ctx), readOnly: true})
}

func (s *GormStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db       *gorm.DB
	readOnly bool
}

func (tx *gormTx) NextRaffleID() (string, error) {
	if tx.readOnly {
		return "", ErrReadOnly
	}
	res := tx.db.Model(&counterRecord{}).
		Where("name = ?", raffleCounter).
		UpdateColumn("value", gorm.Expr("value + ?", 1))
	if res.Error != nil {
		return "", fmt.Errorf("storage: bump counter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := tx.db.Create(&counterRecord{Name: raffleCounter, Value: 1}).Error; err != nil {
			return "", fmt.Errorf("storage: create counter: %w", err)
		}
		return "1", nil
	}

	var c counterRecord
	if err := tx.db.First(&c, "name = ?", raffleCounter).Error; err != nil {
		return "", fmt.Errorf("storage: read counter: %w", err)
	}
	return strconv.FormatUint(c.Value, 10), nil
}

func (tx *gormTx) PutRaffle(r *models.Raffle) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	seq, err := strconv.ParseUint(r.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("storage: raffle id %q is not sequential: %w", r.ID, err)
	}
	rec := raffleRecord{
		Seq:        seq,
		ID:         r.ID,
		Creator:    r.Creator,
		Reason:     r.Reason,
		NumWinners: r.NumWinners,
		OpenedAt:   r.CreatedAt,
		EndDate:    r.EndDate,
		IsResolved: r.IsResolved,
	}
	if err := tx.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("storage: save raffle %s: %w", r.ID, err)
	}
	return nil
}

func (rec *raffleRecord) model() *models.Raffle {
	return &models.Raffle{
		ID:         rec.ID,
		Creator:    rec.Creator,
		Reason:     rec.Reason,
		NumWinners: rec.NumWinners,
		CreatedAt:  rec.OpenedAt,
		EndDate:    rec.EndDate,
		IsResolved: rec.IsResolved,
	}
}

func (tx *gormTx) GetRaffle(id string) (*models.Raffle, bool, error) {
	var rec raffleRecord
	err := tx.db.Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get raffle %s: %w", id, err)
	}
	return rec.model(), true, nil
}

func (tx *gormTx) ListRaffles() ([]*models.Raffle, error) {
	var recs []raffleRecord
	if err := tx.db.Order("seq").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("storage: list raffles: %w", err)
	}
	out := make([]*models.Raffle, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].model())
	}
	return out, nil
}

func (tx *gormTx) PutParticipant(raffleID string, p *models.Participant) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	var rec participantRecord
	err := tx.db.Where("username = ?", p.Username).Take(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = participantRecord{RaffleID: raffleID, Username: p.Username}
	case err != nil:
		return fmt.Errorf("storage: get participant %q: %w", p.Username, err)
	case rec.RaffleID != raffleID:
		return fmt.Errorf("storage: participant %q belongs to raffle %s: %w", p.Username, rec.RaffleID, ErrUsernameTaken)
	}
	rec.Reason = p.Reason
	rec.EntryTimestamp = p.EntryTimestamp
	rec.IsWinner = p.IsWinner
	err = tx.db.Save(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("storage: save participant %q: %w", p.Username, ErrUsernameTaken)
	}
	if err != nil {
		return fmt.Errorf("storage: save participant %q: %w", p.Username, err)
	}
	return nil
}

func (tx *gormTx) ListParticipants(raffleID string) ([]*models.Participant, error) {
	var recs []participantRecord
	if err := tx.db.Where("raffle_id = ?", raffleID).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("storage: list participants of %s: %w", raffleID, err)
	}
	out := make([]*models.Participant, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &models.Participant{
			Username:       rec.Username,
			Reason:         rec.Reason,
			EntryTimestamp: rec.EntryTimestamp,
			IsWinner:       rec.IsWinner,
		})
	}
	return out, nil
}

func (tx *gormTx) CountParticipants(raffleID string) (int, error) {
	var n int64
	if err := tx.db.Model(&participantRecord{}).Where("raffle_id = ?", raffleID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("storage: count participants of %s: %w", raffleID, err)
	}
	return int(n), nil
}

func (tx *gormTx) AppendWinner(raffleID string, index int, username string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	rec := winnerRecord{RaffleID: raffleID, Position: index, Username: username}
	if err := tx.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: append winner %d of %s: %w", index, raffleID, err)
	}
	return nil
}

func (tx *gormTx) ListWinners(raffleID string) ([]string, error) {
	var recs []winnerRecord
	if err := tx.db.Where("raffle_id = ?", raffleID).Order("position").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("storage: list winners of %s: %w", raffleID, err)
	}
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Username)
	}
	return out, nil
}

func (tx *gormTx) RegisterUsername(username, raffleID string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	err := tx.db.Create(&usernameRecord{Username: username, RaffleID: raffleID}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("storage: register username %q: %w", username, err)
	}
	return nil
}

func (tx *gormTx) LookupUsername(username string) (string, bool, error) {
	var rec usernameRecord
	err := tx.db.Where("username = ?", username).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: lookup username %q: %w", username, err)
	}
	return rec.RaffleID, true, nil
}
