package relay

// Room is one voice room: every member may address every other member.
type Room struct {
	ID string

	members map[string]*Client
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: make(map[string]*Client)}
}

func (r *Room) add(c *Client) { r.members[c.ID] = c }

func (r *Room) remove(c *Client) { delete(r.members, c.ID) }

func (r *Room) member(id string) *Client { return r.members[id] }

func (r *Room) empty() bool { return len(r.members) == 0 }

// others returns every member except c.
func (r *Room) others(c *Client) []*Client {
	out := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		if m != c {
			out = append(out, m)
		}
	}
	return out
}
