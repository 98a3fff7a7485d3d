package member

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ChatCore/module/chat/model"
	"ChatCore/tools/errs"
)

// Directory answers who belongs to a channel. The read-state pipeline uses
// it to fan unread entries out to everyone but the author.
type Directory interface {
	Join(ctx context.Context, channelID, userID string) error
	Leave(ctx context.Context, channelID, userID string) error
	MembersOf(ctx context.Context, channelID string) ([]string, error)
}

const collMembers = "channel_members"

type mongoDirectory struct {
	coll *mongo.Collection
}

// NewMongoDirectory expects a unique index on (channel_id, user_id).
func NewMongoDirectory(db *mongo.Database) Directory {
	return &mongoDirectory{coll: db.Collection(collMembers)}
}

func (d *mongoDirectory) Join(ctx context.Context, channelID, userID string) error {
	filter := bson.M{"channel_id": channelID, "user_id": userID}
	update := bson.M{"$setOnInsert": bson.M{
		"channel_id": channelID,
		"user_id":    userID,
		"join_time":  time.Now(),
	}}
	_, err := d.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return errs.ErrStorage.WrapMsg(err.Error())
	}
	return nil
}

func (d *mongoDirectory) Leave(ctx context.Context, channelID, userID string) error {
	_, err := d.coll.DeleteOne(ctx, bson.M{"channel_id": channelID, "user_id": userID})
	if err != nil {
		return errs.ErrStorage.WrapMsg(err.Error())
	}
	return nil
}

func (d *mongoDirectory) MembersOf(ctx context.Context, channelID string) ([]string, error) {
	cur, err := d.coll.Find(ctx, bson.M{"channel_id": channelID},
		options.Find().SetProjection(bson.M{"user_id": 1}))
	if err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error())
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []string
	for cur.Next(ctx) {
		var m model.ChannelMember
		if err := cur.Decode(&m); err != nil {
			return nil, errs.ErrStorage.WrapMsg(err.Error())
		}
		out = append(out, m.UserID)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.ErrStorage.WrapMsg(err.Error())
	}
	return out, nil
}

// MemDirectory is the in-process twin used by tests and single-node dev mode.
type MemDirectory struct {
	mu     sync.RWMutex
	byChan map[string]map[string]struct{}
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{byChan: make(map[string]map[string]struct{})}
}

func (d *MemDirectory) Join(ctx context.Context, channelID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byChan[channelID] == nil {
		d.byChan[channelID] = make(map[string]struct{})
	}
	d.byChan[channelID][userID] = struct{}{}
	return nil
}

func (d *MemDirectory) Leave(ctx context.Context, channelID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byChan[channelID], userID)
	return nil
}

func (d *MemDirectory) MembersOf(ctx context.Context, channelID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.byChan[channelID]))
	for u := range d.byChan[channelID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}
