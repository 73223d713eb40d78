package store

import "github.com/kenneth/cryptorelay/internal/apperror"

func errContentNotFound(contentID string) error {
	return apperror.New(apperror.KindContentNotFound, "content not found: "+contentID)
}

func errGone(contentID string) error {
	return apperror.New(apperror.KindGone, "content removed: "+contentID)
}

func errStorageUnavailable(op string, cause error) error {
	return apperror.Wrap(apperror.KindStorageUnavailable, "storage unavailable during "+op, cause)
}

func errPinLimitExceeded(sessionID string) error {
	return apperror.New(apperror.KindPinLimitExceeded, "pinned item limit reached for session: "+sessionID)
}

func errBadRequest(message string) error {
	return apperror.New(apperror.KindBadRequest, message)
}
