package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/noah-isme/gema-marker/internal/models"
)

// Canonical record layout: summary header in row 1 columns A-G with values in row 2, and
// the per-question block in columns I-K starting at row 1.
var (
	RecordHeader   = []string{"Syllabus Code", "Component Number", "Score", "Max Score", "Grade", "Strengths", "Weaknesses"}
	QuestionHeader = []string{"Question Number", "Max Marks", "Awarded Marks"}
)

const (
	recordExt      = ".xlsx"
	recordsDirName = "records"
	ledgerFileName = "history" + recordExt
	questionColumn = 9
	recordWidth    = questionColumn + 2
)

// ErrRecordNotFound indicates no record exists for the key.
var ErrRecordNotFound = errors.New("submission record not found")

// ErrInvalidKey indicates a student or submission identifier unusable as a file name.
var ErrInvalidKey = errors.New("invalid record key")

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Locker serialises work on a key across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Archiver receives a copy of every persisted record workbook.
type Archiver interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// RecordStoreConfig locates the store on disk.
type RecordStoreConfig struct {
	Root  string
	Sheet string
}

// RecordStore keeps one workbook per submission record and derives the student's history
// ledger from them by full rescan.
type RecordStore struct {
	root     string
	sheet    string
	locker   Locker
	archiver Archiver
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRecordStore constructs a store rooted at cfg.Root. locker and archiver are optional.
func NewRecordStore(cfg RecordStoreConfig, locker Locker, archiver Archiver, logger zerolog.Logger) (*RecordStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("record store root must not be empty")
	}
	if cfg.Sheet == "" {
		cfg.Sheet = "Result"
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create record store root: %w", err)
	}

	return &RecordStore{
		root:     cfg.Root,
		sheet:    cfg.Sheet,
		locker:   locker,
		archiver: archiver,
		logger:   logger.With().Str("component", "record_store").Logger(),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Persist writes the record and rebuilds the student's ledger under the student's lock.
// The ledger is computed and written beside the pending record before either is committed,
// so a failed rebuild leaves the previous record and ledger in place.
func (s *RecordStore) Persist(ctx context.Context, record models.SubmissionRecord) (models.HistoryLedger, error) {
	if err := checkKeys(record.StudentID, record.SubmissionID); err != nil {
		return models.HistoryLedger{}, err
	}

	unlock, err := s.lock(ctx, record.StudentID)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	defer unlock()

	if err := os.MkdirAll(s.recordsDir(record.StudentID), 0o755); err != nil {
		return models.HistoryLedger{}, fmt.Errorf("create records directory: %w", err)
	}

	path := s.recordPath(record.StudentID, record.SubmissionID)
	recordTmp, err := s.stageRecord(record, path)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	defer os.Remove(recordTmp)

	ledger, err := s.collect(record.StudentID, &record)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	ledgerTmp, err := s.stageLedger(ledger)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	defer os.Remove(ledgerTmp)

	if err := commitPair(recordTmp, path, ledgerTmp, s.ledgerPath(record.StudentID)); err != nil {
		return models.HistoryLedger{}, err
	}

	s.logger.Info().
		Str("student_id", record.StudentID).
		Str("submission_id", record.SubmissionID).
		Int("questions", len(record.Report.Questions)).
		Int("ledger_rows", len(ledger.Rows)).
		Msg("submission record persisted")

	s.archive(ctx, record, path)
	return ledger, nil
}

// Rebuild regenerates the student's ledger from every persisted record.
func (s *RecordStore) Rebuild(ctx context.Context, studentID string) (models.HistoryLedger, error) {
	if err := checkKeys(studentID); err != nil {
		return models.HistoryLedger{}, err
	}

	unlock, err := s.lock(ctx, studentID)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	defer unlock()

	return s.rebuild(studentID)
}

// Load reads one record back.
func (s *RecordStore) Load(_ context.Context, studentID, submissionID string) (models.SubmissionRecord, error) {
	if err := checkKeys(studentID, submissionID); err != nil {
		return models.SubmissionRecord{}, err
	}

	record, _, err := s.readRecord(s.recordPath(studentID, submissionID))
	if err != nil {
		return models.SubmissionRecord{}, err
	}
	record.StudentID = studentID
	record.SubmissionID = submissionID
	return record, nil
}

// List returns the student's submission keys in scan order.
func (s *RecordStore) List(_ context.Context, studentID string) ([]string, error) {
	if err := checkKeys(studentID); err != nil {
		return nil, err
	}
	return s.scan(studentID)
}

// Ledger reads the last rebuilt ledger.
func (s *RecordStore) Ledger(_ context.Context, studentID string) (models.HistoryLedger, error) {
	if err := checkKeys(studentID); err != nil {
		return models.HistoryLedger{}, err
	}

	rows, err := s.readSheet(s.ledgerPath(studentID))
	if err != nil {
		return models.HistoryLedger{}, err
	}

	ledger := models.HistoryLedger{StudentID: studentID}
	if len(rows) == 0 {
		return ledger, nil
	}
	ledger.Header = padRow(rows[0], len(RecordHeader))[:len(RecordHeader)]
	for i, row := range rows[1:] {
		parsed, err := parseSummary(padRow(row, len(RecordHeader)))
		if err != nil {
			return models.HistoryLedger{}, fmt.Errorf("ledger row %d: %w", i+2, err)
		}
		ledger.Rows = append(ledger.Rows, parsed)
	}
	return ledger, nil
}

func (s *RecordStore) lock(ctx context.Context, studentID string) (func(), error) {
	s.mu.Lock()
	local, ok := s.locks[studentID]
	if !ok {
		local = &sync.Mutex{}
		s.locks[studentID] = local
	}
	s.mu.Unlock()

	local.Lock()
	if s.locker == nil {
		return local.Unlock, nil
	}

	release, err := s.locker.Lock(ctx, studentID)
	if err != nil {
		local.Unlock()
		return nil, fmt.Errorf("lock ledger of %s: %w", studentID, err)
	}
	return func() {
		release()
		local.Unlock()
	}, nil
}

// stageRecord writes the record workbook to a hidden sibling of path and returns it.
func (s *RecordStore) stageRecord(record models.SubmissionRecord, path string) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), s.sheet); err != nil {
		return "", fmt.Errorf("name record sheet: %w", err)
	}

	summary := []interface{}{
		record.Report.SyllabusCode,
		record.Report.ComponentNumber,
		record.Score.Awarded,
		record.Score.Available,
		record.Grade,
		record.Report.Strengths,
		record.Report.Weaknesses,
	}
	if err := setRow(f, s.sheet, 1, 1, toInterfaces(RecordHeader)); err != nil {
		return "", err
	}
	if err := setRow(f, s.sheet, 1, 2, summary); err != nil {
		return "", err
	}
	if err := setRow(f, s.sheet, questionColumn, 1, toInterfaces(QuestionHeader)); err != nil {
		return "", err
	}
	for i, question := range record.Report.Questions {
		row := []interface{}{question.QuestionNumber, question.MaxMarks, question.AwardedMarks}
		if err := setRow(f, s.sheet, questionColumn, i+2, row); err != nil {
			return "", err
		}
	}

	return stage(f, path)
}

func (s *RecordStore) rebuild(studentID string) (models.HistoryLedger, error) {
	ledger, err := s.collect(studentID, nil)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	tmp, err := s.stageLedger(ledger)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	if err := commit(tmp, s.ledgerPath(studentID)); err != nil {
		return models.HistoryLedger{}, err
	}

	s.logger.Info().Str("student_id", studentID).Int("rows", len(ledger.Rows)).Msg("history ledger rebuilt")
	return ledger, nil
}

// collect rescans the student's records into a ledger. A pending record stands in for
// its file on disk, whether or not that file exists yet.
func (s *RecordStore) collect(studentID string, pending *models.SubmissionRecord) (models.HistoryLedger, error) {
	keys, err := s.scan(studentID)
	if err != nil {
		return models.HistoryLedger{}, err
	}
	if pending != nil {
		i := sort.SearchStrings(keys, pending.SubmissionID)
		if i == len(keys) || keys[i] != pending.SubmissionID {
			keys = append(keys, "")
			copy(keys[i+1:], keys[i:])
			keys[i] = pending.SubmissionID
		}
	}

	ledger := models.HistoryLedger{StudentID: studentID, Header: RecordHeader}
	for i, key := range keys {
		if pending != nil && key == pending.SubmissionID {
			ledger.Rows = append(ledger.Rows, models.LedgerRowFor(*pending))
			continue
		}
		record, header, err := s.readRecord(s.recordPath(studentID, key))
		if err != nil {
			return models.HistoryLedger{}, fmt.Errorf("scan record %s: %w", key, err)
		}
		if i == 0 {
			ledger.Header = header
		}
		ledger.Rows = append(ledger.Rows, models.LedgerRowFor(record))
	}
	return ledger, nil
}

func (s *RecordStore) stageLedger(ledger models.HistoryLedger) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), s.sheet); err != nil {
		return "", fmt.Errorf("name ledger sheet: %w", err)
	}
	if err := setRow(f, s.sheet, 1, 1, toInterfaces(ledger.Header)); err != nil {
		return "", err
	}
	for i, row := range ledger.Rows {
		values := []interface{}{row.SyllabusCode, row.ComponentNumber, row.Score, row.MaxScore, row.Grade, row.Strengths, row.Weaknesses}
		if err := setRow(f, s.sheet, 1, i+2, values); err != nil {
			return "", err
		}
	}

	return stage(f, s.ledgerPath(ledger.StudentID))
}

// scan lists record keys sorted by key, so rebuilds are reproducible whatever order the
// filesystem returns entries in.
func (s *RecordStore) scan(studentID string) ([]string, error) {
	entries, err := os.ReadDir(s.recordsDir(studentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RecordStore) readRecord(path string) (models.SubmissionRecord, []string, error) {
	rows, err := s.readSheet(path)
	if err != nil {
		return models.SubmissionRecord{}, nil, err
	}
	if len(rows) < 2 {
		return models.SubmissionRecord{}, nil, fmt.Errorf("record %s has no summary row", filepath.Base(path))
	}

	header := padRow(rows[0], len(RecordHeader))[:len(RecordHeader)]
	summary, err := parseSummary(padRow(rows[1], len(RecordHeader)))
	if err != nil {
		return models.SubmissionRecord{}, nil, fmt.Errorf("record %s: %w", filepath.Base(path), err)
	}

	record := models.SubmissionRecord{
		Report: models.MarkingReport{
			SyllabusCode:    summary.SyllabusCode,
			ComponentNumber: summary.ComponentNumber,
			Strengths:       summary.Strengths,
			Weaknesses:      summary.Weaknesses,
		},
		Score: models.Score{Awarded: summary.Score, Available: summary.MaxScore},
		Grade: summary.Grade,
	}

	for i, row := range rows[1:] {
		row = padRow(row, recordWidth)
		cells := row[questionColumn-1 : questionColumn+2]
		if cells[0] == "" {
			continue
		}
		maxMarks, err := strconv.Atoi(cells[1])
		if err != nil {
			return models.SubmissionRecord{}, nil, fmt.Errorf("record %s row %d max marks: %w", filepath.Base(path), i+2, err)
		}
		awarded, err := strconv.Atoi(cells[2])
		if err != nil {
			return models.SubmissionRecord{}, nil, fmt.Errorf("record %s row %d awarded marks: %w", filepath.Base(path), i+2, err)
		}
		record.Report.Questions = append(record.Report.Questions, models.MarkedQuestion{
			QuestionNumber: cells[0],
			MaxMarks:       maxMarks,
			AwardedMarks:   awarded,
		})
	}

	return record, header, nil
}

func (s *RecordStore) readSheet(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	sheet := s.sheet
	if index, err := f.GetSheetIndex(sheet); err != nil || index < 0 {
		sheet = f.GetSheetName(0)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read workbook %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

func (s *RecordStore) archive(ctx context.Context, record models.SubmissionRecord, path string) {
	if s.archiver == nil {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		s.logger.Warn().Err(err).Str("submission_id", record.SubmissionID).Msg("failed to open record for archiving")
		return
	}
	defer file.Close()

	url, err := s.archiver.Upload(ctx, record.StudentID+"-"+record.SubmissionID+recordExt, file)
	if err != nil {
		s.logger.Warn().Err(err).Str("submission_id", record.SubmissionID).Msg("failed to archive record")
		return
	}
	s.logger.Info().Str("submission_id", record.SubmissionID).Str("url", url).Msg("record archived")
}

func (s *RecordStore) recordsDir(studentID string) string {
	return filepath.Join(s.root, studentID, recordsDirName)
}

func (s *RecordStore) recordPath(studentID, submissionID string) string {
	return filepath.Join(s.recordsDir(studentID), submissionID+recordExt)
}

func (s *RecordStore) ledgerPath(studentID string) string {
	return filepath.Join(s.root, studentID, ledgerFileName)
}

// ValidKey reports whether id can name a student or submission.
func ValidKey(id string) bool {
	return validKey.MatchString(id)
}

func checkKeys(keys ...string) error {
	for _, key := range keys {
		if !ValidKey(key) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func parseSummary(row []string) (models.LedgerRow, error) {
	score, err := strconv.Atoi(strings.TrimSpace(row[2]))
	if err != nil {
		return models.LedgerRow{}, fmt.Errorf("score %q: %w", row[2], err)
	}
	maxScore, err := strconv.Atoi(strings.TrimSpace(row[3]))
	if err != nil {
		return models.LedgerRow{}, fmt.Errorf("max score %q: %w", row[3], err)
	}

	return models.LedgerRow{
		SyllabusCode:    row[0],
		ComponentNumber: row[1],
		Score:           score,
		MaxScore:        maxScore,
		Grade:           row[4],
		Strengths:       row[5],
		Weaknesses:      row[6],
	}, nil
}

func setRow(f *excelize.File, sheet string, column, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(column, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

// stage writes the workbook to a hidden sibling of path. Rescans skip hidden files, so a
// staged workbook is invisible until commit renames it into place.
func stage(f *excelize.File, path string) (string, error) {
	tmp := filepath.Join(filepath.Dir(path), "."+strings.TrimSuffix(filepath.Base(path), recordExt)+".tmp"+recordExt)
	if err := f.SaveAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write workbook: %w", err)
	}
	return tmp, nil
}

func commit(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit workbook: %w", err)
	}
	return nil
}

// commitPair renames a staged record and ledger into place. If the ledger cannot be
// committed the previous record is restored, or the new one removed when there was none.
func commitPair(recordTmp, recordPath, ledgerTmp, ledgerPath string) error {
	backup := recordTmp + ".prev"
	hadPrevious := true
	if err := os.Rename(recordPath, backup); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("keep previous record: %w", err)
		}
		hadPrevious = false
	}

	if err := commit(recordTmp, recordPath); err != nil {
		if hadPrevious {
			_ = os.Rename(backup, recordPath)
		}
		return err
	}

	if err := commit(ledgerTmp, ledgerPath); err != nil {
		if hadPrevious {
			_ = os.Rename(backup, recordPath)
		} else {
			_ = os.Remove(recordPath)
		}
		return err
	}

	if hadPrevious {
		_ = os.Remove(backup)
	}
	return nil
}

func padRow(row []string, width int) []string {
	if len(row) >= width {
		return row
	}
	padded := make([]string, width)
	copy(padded, row)
	return padded
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, value := range values {
		out[i] = value
	}
	return out
}
