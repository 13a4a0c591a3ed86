package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock held while schema
// migrations run, so only one process migrates at a time.
const MigrationAdvisoryLockID = 42734582
