package entity

import "time"

// Channel is the delivery channel of a challenge.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelSMS }

// Challenge is one OTP verification attempt bound to a user and a channel.
// Exactly one of Email and PhoneNumber is set, matching Channel.
type Challenge struct {
	ID          string     `db:"id"`
	UserID      string     `db:"user_id"`
	Channel     Channel    `db:"channel"`
	Email       *string    `db:"email"`
	PhoneNumber *string    `db:"phone_number"`
	Code        string     `db:"code"`
	Verified    bool       `db:"verified"`
	VerifiedAt  *time.Time `db:"verified_at"`
	Attempts    int        `db:"attempts"`
	ExpiresAt   time.Time  `db:"expires_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// LiveAt reports whether the challenge is unverified and unexpired at now.
func (c *Challenge) LiveAt(now time.Time) bool {
	return !c.Verified && now.Before(c.ExpiresAt)
}

// Destination returns the address the code was sent to.
func (c *Challenge) Destination() string {
	if c.Channel == ChannelSMS && c.PhoneNumber != nil {
		return *c.PhoneNumber
	}
	if c.Email != nil {
		return *c.Email
	}
	return ""
}
