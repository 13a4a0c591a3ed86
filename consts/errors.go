package consts

import "errors"

var (
	ErrNoRecipients        = errors.New("ENORECIPIENTS: no recipients defined")
	ErrLoop                = errors.New("ELOOP: message loop detected")
	ErrNotEnoughPrivileges = errors.New("not enough privileges")
	ErrHookVeto            = errors.New("rejected by hook")
	ErrRegistryFrozen      = errors.New("hook registry is frozen")

	ErrUserNotFound     = errors.New("user not found")
	ErrMailboxNotFound  = errors.New("mailbox not found")
	ErrBlobNotFound     = errors.New("blob not found")
	ErrMalformedMessage = errors.New("malformed message")
	ErrRateLimited      = errors.New("rate limit exceeded")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")
	ErrDBInsertFailed    = errors.New("insert failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
