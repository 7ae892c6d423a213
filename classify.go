package strata

import (
	"errors"

	"github.com/hupe1980/strata/branch"
	"github.com/hupe1980/strata/bundle"
	"github.com/hupe1980/strata/txn"
	"github.com/hupe1980/strata/vector"
)

// classify maps internal package errors onto the engine's error taxonomy.
// Errors that are already *Error pass through; anything unrecognized becomes
// KindIO via translateError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}

	if kind, ok := kindOfInternal(err); ok {
		return wrapError(kind, op, err, "%v", err)
	}
	return translateError(op, err)
}

func kindOfInternal(err error) (Kind, bool) {
	var (
		branchNotFound *branch.ErrBranchNotFound
		spaceNotFound  *branch.ErrSpaceNotFound
		collNotFound   *vector.ErrCollectionNotFound

		branchExists *branch.ErrBranchExists

		branchDeleted   *branch.ErrBranchDeleted
		branchProtected *branch.ErrBranchProtected
		spaceExists     *branch.ErrSpaceExists
		spaceNotEmpty   *branch.ErrSpaceNotEmpty
		spaceProtected  *branch.ErrSpaceProtected
		collExists      *vector.ErrCollectionExists
		txnActive       *txn.ErrTxnActive
		noTxn           *txn.ErrNoTxn

		dimMismatch *vector.ErrDimensionMismatch

		nonFinite     *vector.ErrNonFiniteComponent
		badDim        *vector.ErrInvalidDimension
		badK          *vector.ErrInvalidK
		badStrategy   *branch.ErrUnknownStrategy
		invalidBundle *bundle.ErrInvalidBundle

		txnReadOnly *txn.ErrTxnReadOnly
	)

	switch {
	case errors.As(err, &branchNotFound),
		errors.As(err, &spaceNotFound),
		errors.As(err, &collNotFound):
		return KindNotFound, true

	case errors.As(err, &branchExists):
		return KindConflict, true

	case errors.As(err, &branchDeleted),
		errors.As(err, &branchProtected),
		errors.As(err, &spaceExists),
		errors.As(err, &spaceNotEmpty),
		errors.As(err, &spaceProtected),
		errors.As(err, &collExists),
		errors.As(err, &txnActive),
		errors.As(err, &noTxn):
		return KindState, true

	case errors.As(err, &dimMismatch):
		return KindConstraint, true

	case errors.As(err, &nonFinite),
		errors.As(err, &badDim),
		errors.As(err, &badK),
		errors.As(err, &badStrategy),
		errors.As(err, &invalidBundle):
		return KindValidation, true

	case errors.As(err, &txnReadOnly):
		return KindAccessDenied, true
	}

	return KindUnknown, false
}
