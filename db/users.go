package db

import (
	"context"

	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/server"
)

const userColumns = `u.id, u.username, u.name, u.address, u.spam_level, u.tags, u.targets,
	u.forward_limit, u.autoreply, u.encrypt_messages, u.encrypt_forwarded, u.public_key`

func userDest(u *server.User) []any {
	return []any{
		&u.ID, &u.Username, &u.Name, &u.Address, &u.SpamLevel, &u.Tags, &u.Targets,
		&u.ForwardLimit, &u.Autoreply, &u.EncryptMessages, &u.EncryptForwarded, &u.PublicKey,
	}
}

// UserByID returns the user with the given id.
func (db *Database) UserByID(ctx context.Context, id int64) (*server.User, error) {
	u := &server.User{}
	err := db.timedQueryRow(ctx, "user_by_id", userDest(u),
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound)
	}
	return u, nil
}

// UserByAddressView resolves a user through one of its addresses. view must
// already be in lookup form, see server.AddressView.
func (db *Database) UserByAddressView(ctx context.Context, view string) (*server.User, error) {
	u := &server.User{}
	err := db.timedQueryRow(ctx, "user_by_address", userDest(u),
		`SELECT `+userColumns+` FROM addresses a JOIN users u ON u.id = a.user_id WHERE a.address_view = $1`, view)
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound)
	}
	return u, nil
}

// UserByUsernameView resolves a user by the lookup form of its username.
func (db *Database) UserByUsernameView(ctx context.Context, view string) (*server.User, error) {
	u := &server.User{}
	err := db.timedQueryRow(ctx, "user_by_username", userDest(u),
		`SELECT `+userColumns+` FROM users u WHERE u.username_view = $1`, view)
	if err != nil {
		return nil, notFound(err, consts.ErrUserNotFound)
	}
	return u, nil
}
