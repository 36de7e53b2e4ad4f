package access

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"field-access-control/internal/domain"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CSV based operator roster import

// Definition of fields in a roster export
type CSVListDefinition struct {
	EmailField  string
	NameField   string
	RoleField   string
	StatusField string

	ActiveStatus string

	Language string // Language code, e.g. "en", "fi"
}

// Known roster layouts, in different languages. Status and name columns are
// optional.
var CSVListDefinitions = []CSVListDefinition{
	{
		EmailField:   "EMAIL",
		NameField:    "NAME",
		RoleField:    "ROLE",
		StatusField:  "STATUS",
		ActiveStatus: "Active",
		Language:     "en",
	},
	{
		EmailField:   "SÄHKÖPOSTI",
		NameField:    "NIMI",
		RoleField:    "ROOLI",
		StatusField:  "TILA",
		ActiveStatus: "Aktiivinen",
		Language:     "fi",
	},
}

// ImportResult summarizes a roster import. Row errors do not stop the import.
type ImportResult struct {
	Created int        `json:"created"`
	Granted int        `json:"granted"`
	Skipped int        `json:"skipped"`
	Errors  []RowError `json:"errors,omitempty"`
}

type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

type csvColumns struct {
	def                       CSVListDefinition
	email, name, role, status int
}

// decodeRoster returns the content as UTF-8. Roster exports from spreadsheet
// tools are often UTF-16 with a BOM.
func decodeRoster(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	bom, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read BOM: %w", err)
	}

	var src io.Reader = br
	if len(bom) == 2 && (bom[0] == 0xFE && bom[1] == 0xFF || bom[0] == 0xFF && bom[1] == 0xFE) {
		utf16bom := unicode.BOMOverride(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder())
		src = transform.NewReader(br, utf16bom)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), nil
}

func newRosterReader(data []byte) *csv.Reader {
	reader := csv.NewReader(bytes.NewReader(data))
	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Contains(firstLine, []byte("\t")) {
		reader.Comma = '\t'
	} else if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		reader.Comma = ';'
	}
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	return reader
}

func matchHeader(headers []string) (*csvColumns, error) {
	for _, def := range CSVListDefinitions {
		cols := &csvColumns{def: def, email: -1, name: -1, role: -1, status: -1}
		for i, h := range headers {
			switch strings.ToUpper(strings.TrimSpace(h)) {
			case def.EmailField:
				cols.email = i
			case def.NameField:
				cols.name = i
			case def.RoleField:
				cols.role = i
			case def.StatusField:
				cols.status = i
			}
		}
		if cols.email != -1 {
			return cols, nil
		}
	}
	return nil, domain.Invalid("roster is missing an e-mail column")
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// ImportUsersCSV creates users listed in a roster and grants the roles in
// its role column, separated by "|" or ";" when there are several. Rows whose
// status column is present but not active are skipped. defaultRoles are
// granted to every imported user.
func (e *Engine) ImportUsersCSV(ctx context.Context, r io.Reader, defaultRoles []string, by string) (*ImportResult, error) {
	data, err := decodeRoster(r)
	if err != nil {
		return nil, err
	}
	reader := newRosterReader(data)

	headers, err := reader.Read()
	if err != nil {
		return nil, domain.Invalid("failed to read roster header")
	}
	cols, err := matchHeader(headers)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{}
	line := 1
	for {
		record, err := reader.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, RowError{Line: line, Message: err.Error()})
			continue
		}

		email := NormalizeEmail(field(record, cols.email))
		if email == "" {
			continue
		}
		if cols.status != -1 && field(record, cols.status) != cols.def.ActiveStatus {
			slog.Debug("Skipping inactive roster entry", "email", email, "line", line)
			res.Skipped++
			continue
		}

		roles := slices.Clone(defaultRoles)
		roles = append(roles, strings.FieldsFunc(field(record, cols.role), func(r rune) bool {
			return r == '|' || r == ';'
		})...)
		roles = normalize(roles)

		if err := e.importUser(ctx, email, field(record, cols.name), roles, by, res); err != nil {
			if domain.KindOf(err) == domain.KindUnavailable {
				return res, err
			}
			res.Errors = append(res.Errors, RowError{Line: line, Message: err.Error()})
		}
	}

	e.logger.Info("Roster imported", "language", cols.def.Language, "created", res.Created,
		"granted", res.Granted, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

func (e *Engine) importUser(ctx context.Context, email, name string, roles []string, by string, res *ImportResult) error {
	user, err := e.GetUserByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		if _, err := e.CreateUser(ctx, UserSpec{Email: email, DisplayName: name, Roles: roles}, by); err != nil {
			return err
		}
		res.Created++
		return nil
	}
	if err != nil {
		return err
	}

	for _, ref := range roles {
		role, err := e.ResolveRole(ctx, ref)
		if err != nil {
			return fmt.Errorf("%s: %w", ref, err)
		}
		if slices.Contains(user.Roles, role.RoleID) {
			continue
		}
		if err := e.GrantRole(ctx, user.UserID, role.RoleID, by); err != nil {
			return err
		}
		res.Granted++
	}
	return nil
}
