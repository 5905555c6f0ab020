package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

const carColumns = `id, owner_id, manufacturer, model, year, nickname, current_odometer_km, created_at, updated_at`

func (s *Store) CreateCar(ctx context.Context, c models.Car) (models.Car, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO cars (id, owner_id, manufacturer, model, year, nickname, current_odometer_km, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING `+carColumns,
		c.ID, c.OwnerID, c.Manufacturer, c.Model, c.Year, c.Nickname, c.CurrentOdometerKm)
	car, err := scanCar(row)
	if err != nil {
		return models.Car{}, apperr.Persistence("insert car", err)
	}
	return car, nil
}

func (s *Store) GetCar(ctx context.Context, id string) (models.Car, error) {
	row := s.db.QueryRow(ctx, `SELECT `+carColumns+` FROM cars WHERE id = $1`, id)
	car, err := scanCar(row)
	if err != nil {
		return models.Car{}, notFound(err, "car", id)
	}
	return car, nil
}

// UpdateCarOdometer records a new reading. Readings never move backwards.
func (s *Store) UpdateCarOdometer(ctx context.Context, id string, km int) (models.Car, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE cars SET current_odometer_km = GREATEST(current_odometer_km, $2), updated_at = NOW()
		WHERE id = $1
		RETURNING `+carColumns, id, km)
	car, err := scanCar(row)
	if err != nil {
		return models.Car{}, notFound(err, "car", id)
	}
	return car, nil
}

func scanCar(row pgx.Row) (models.Car, error) {
	var (
		c    models.Car
		nick pgtype.Text
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Manufacturer, &c.Model, &c.Year, &nick, &c.CurrentOdometerKm, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Car{}, err
	}
	c.Nickname = textPtr(nick)
	return c, nil
}
