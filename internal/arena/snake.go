package arena

import (
	"math/rand"
	"time"

	"github.com/gamehub/realtime-backend/internal/session"
)

// Playfield bounds and scoring. The grid is 0..GridSize-1 on both axes.
const (
	GridSize  = 30
	FoodScore = 10
	MaxSeats  = 4
	MinSeats  = 2
)

type Vec struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (v Vec) add(o Vec) Vec { return Vec{v.X + o.X, v.Y + o.Y} }

func (v Vec) opposite(o Vec) bool { return v.X == -o.X && v.Y == -o.Y }

func inBounds(v Vec) bool {
	return v.X >= 0 && v.X < GridSize && v.Y >= 0 && v.Y < GridSize
}

// spawnSlots are the four fixed starting cells, corners inset by five,
// each pointing inward. A seat keeps its slot for the life of the room so
// resets land everyone back where they started.
var spawnSlots = [MaxSeats]struct {
	Pos Vec
	Dir Vec
}{
	{Pos: Vec{5, 5}, Dir: Vec{1, 0}},
	{Pos: Vec{24, 24}, Dir: Vec{-1, 0}},
	{Pos: Vec{24, 5}, Dir: Vec{0, 1}},
	{Pos: Vec{5, 24}, Dir: Vec{0, -1}},
}

// Seat is one player's live state in a room. Mutated only by the room
// goroutine.
type Seat struct {
	sess *session.Session
	slot int

	Ready      bool
	Alive      bool
	Score      int
	Body       []Vec // head first
	Dir        Vec
	LastMoveAt time.Time
}

func newSeat(s *session.Session, slot int) *Seat {
	seat := &Seat{sess: s, slot: slot}
	seat.reset()
	return seat
}

// reset puts the seat back at its spawn slot with a single segment and
// the default forward vector.
func (st *Seat) reset() {
	spawn := spawnSlots[st.slot]
	st.Alive = true
	st.Score = 0
	st.Body = []Vec{spawn.Pos}
	st.Dir = spawn.Dir
	st.LastMoveAt = time.Time{}
}

// acceptMove applies the anti-reversal rule at acceptance time: with more
// than one segment, a vector pointing straight back into the neck is
// rejected and the current vector stands. The accepted vector takes
// effect on the next tick.
func (st *Seat) acceptMove(d Vec) bool {
	if (d.X == 0) == (d.Y == 0) || d.X < -1 || d.X > 1 || d.Y < -1 || d.Y > 1 {
		return false // not a unit axis vector
	}
	if len(st.Body) > 1 && d.opposite(st.Dir) {
		return false
	}
	st.Dir = d
	st.LastMoveAt = time.Now()
	return true
}

func (st *Seat) head() Vec { return st.Body[0] }

func (st *Seat) occupies(v Vec) bool {
	for _, seg := range st.Body {
		if seg == v {
			return true
		}
	}
	return false
}

type stepOutcome struct {
	finished bool
	reason   string // "target_reached" | "last_one_standing"
	winner   *Seat
}

// step advances the arena by one tick. Candidate heads are resolved
// against the bodies as they stood at the start of the tick, so two heads
// entering the same empty cell in the same tick both survive: neither
// body list contains that cell yet. Collisions against an occupied cell
// kill each offender independently.
func step(seats []*Seat, food *Vec, target int, rng *rand.Rand) stepOutcome {
	type pending struct {
		seat *Seat
		head Vec
	}
	var movers []pending
	var killed []*Seat

	for _, st := range seats {
		if !st.Alive {
			continue
		}
		cand := st.head().add(st.Dir)
		switch {
		case !inBounds(cand):
			killed = append(killed, st)
		case st.occupies(cand):
			killed = append(killed, st)
		case hitsOther(seats, st, cand):
			killed = append(killed, st)
		default:
			movers = append(movers, pending{seat: st, head: cand})
		}
	}

	for _, mv := range movers {
		st := mv.seat
		st.Body = append([]Vec{mv.head}, st.Body...)
		if mv.head == *food {
			st.Score += FoodScore
			*food = relocateFood(seats, rng)
		} else {
			st.Body = st.Body[:len(st.Body)-1]
		}
	}
	for _, st := range killed {
		st.Alive = false
	}

	var alive []*Seat
	for _, st := range seats {
		if st.Alive {
			alive = append(alive, st)
		}
		if st.Score >= target {
			return stepOutcome{finished: true, reason: "target_reached", winner: st}
		}
	}
	if len(alive) <= 1 {
		out := stepOutcome{finished: true, reason: "last_one_standing"}
		if len(alive) == 1 && alive[0].Score >= target {
			out.winner = alive[0]
		}
		return out
	}
	return stepOutcome{}
}

// hitsOther reports whether cand lands on a body segment of any other
// seat that was alive at the start of this tick.
func hitsOther(seats []*Seat, self *Seat, cand Vec) bool {
	for _, other := range seats {
		if other == self || !other.Alive {
			continue
		}
		if other.occupies(cand) {
			return true
		}
	}
	return false
}

// relocateFood picks a uniformly random cell, retrying until it is not
// covered by any living seat's body.
func relocateFood(seats []*Seat, rng *rand.Rand) Vec {
	for {
		v := Vec{rng.Intn(GridSize), rng.Intn(GridSize)}
		occupied := false
		for _, st := range seats {
			if st.Alive && st.occupies(v) {
				occupied = true
				break
			}
		}
		if !occupied {
			return v
		}
	}
}
