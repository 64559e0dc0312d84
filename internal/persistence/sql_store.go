package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/fluxoml/pkg/api"
)

// sqlInstanceStore holds the queries shared by the SQLite and PostgreSQL
// instance stores. The dialects differ only in DDL and placeholders.
type sqlInstanceStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

const instanceColumns = "id, workflow_name, status, current_step, input, output, error, created_at, updated_at"

func (s *sqlInstanceStore) args(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = s.placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

func (s *sqlInstanceStore) SaveInstance(inst *api.WorkflowInstance) error {
	rec, err := toRecord(inst)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"INSERT INTO instances ("+instanceColumns+") VALUES ("+s.args(9)+")",
		rec.ID, rec.Workflow, rec.Status, rec.CurrentStep,
		rec.Input, rec.Output, rec.Error, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (s *sqlInstanceStore) UpdateInstance(inst *api.WorkflowInstance) error {
	rec, err := toRecord(inst)
	if err != nil {
		return err
	}

	p := s.placeholder
	res, err := s.db.Exec(fmt.Sprintf(`
		UPDATE instances
		SET workflow_name = %s, status = %s, current_step = %s, input = %s,
		    output = %s, error = %s, created_at = %s, updated_at = %s
		WHERE id = %s`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9)),
		rec.Workflow, rec.Status, rec.CurrentStep, rec.Input,
		rec.Output, rec.Error, rec.CreatedAt, rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var rec instanceRecord
	var errStr sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.Workflow, &rec.Status, &rec.CurrentStep,
		&rec.Input, &rec.Output, &errStr, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Error = errStr.String
	return rec.instance()
}

func (s *sqlInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRow(
		"SELECT "+instanceColumns+" FROM instances WHERE id = "+s.placeholder(1),
		id,
	)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *sqlInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := "SELECT " + instanceColumns + " FROM instances"
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		args = append(args, filter.WorkflowName)
		clauses = append(clauses, "workflow_name = "+s.placeholder(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, "status = "+s.placeholder(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}
