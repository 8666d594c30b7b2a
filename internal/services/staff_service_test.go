package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/patronpay/internal/models"
	"github.com/example/patronpay/internal/services"
	"github.com/example/patronpay/internal/utils"
)

func TestStaffCreateHashesPassword(t *testing.T) {
	db := setupTestDB(t)
	staff := services.NewStaffService(db)
	ctx := context.Background()

	created, err := staff.Create(ctx, "librarian", "s3cret")
	require.NoError(t, err)
	require.NotEqual(t, "s3cret", created.PasswordHash)
	require.True(t, utils.CheckPassword(created.PasswordHash, "s3cret"))
	require.False(t, utils.CheckPassword(created.PasswordHash, "wrong"))
}

func TestStaffCreateRejectsDuplicateUsername(t *testing.T) {
	db := setupTestDB(t)
	staff := services.NewStaffService(db)
	ctx := context.Background()

	_, err := staff.Create(ctx, "librarian", "s3cret")
	require.NoError(t, err)

	_, err = staff.Create(ctx, "librarian", "other")
	require.ErrorIs(t, err, services.ErrStaffExists)
}

func TestStaffEnsureSeed(t *testing.T) {
	db := setupTestDB(t)
	staff := services.NewStaffService(db)
	ctx := context.Background()

	// Unconfigured credentials: nothing seeded.
	require.NoError(t, staff.EnsureSeed(ctx, "", ""))

	var count int64
	require.NoError(t, db.Model(&models.StaffUser{}).Count(&count).Error)
	require.Zero(t, count)

	require.NoError(t, staff.EnsureSeed(ctx, "admin", "s3cret"))
	require.NoError(t, db.Model(&models.StaffUser{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	// Idempotent: an already populated table is left alone.
	require.NoError(t, staff.EnsureSeed(ctx, "admin2", "other"))
	require.NoError(t, db.Model(&models.StaffUser{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
