// Package lockstep runs the bridge side of the simulator handshake: it
// waits for the simulator's segments, announces this process, and then
// mirrors every robot pose into emulator location events on a fixed cadence.
package lockstep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/emane-bridge/internal/idmap"
	"github.com/signalsfoundry/emane-bridge/internal/journal"
	"github.com/signalsfoundry/emane-bridge/internal/logging"
	"github.com/signalsfoundry/emane-bridge/internal/nodes"
	"github.com/signalsfoundry/emane-bridge/internal/observability"
	"github.com/signalsfoundry/emane-bridge/internal/record"
	"github.com/signalsfoundry/emane-bridge/internal/shm"
	"github.com/signalsfoundry/emane-bridge/model"
	"github.com/signalsfoundry/emane-bridge/timectrl"
)

// ErrAnnounceMismatch reports that the metadata read back after announcing
// differs from what was written.
var ErrAnnounceMismatch = errors.New("metadata changed while announcing")

// State is the controller lifecycle stage.
type State int32

const (
	Attaching State = iota
	Announced
	Running
	Terminating
)

func (s State) String() string {
	switch s {
	case Attaching:
		return "attaching"
	case Announced:
		return "announced"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Barrier selects how iterations are paced against the simulator.
type Barrier int

const (
	// BarrierPoll sleeps a fixed interval between iterations.
	BarrierPoll Barrier = iota
	// BarrierSignal additionally resumes the simulator and suspends this
	// process until the simulator resumes it, every iteration.
	BarrierSignal
)

func (b Barrier) String() string {
	if b == BarrierSignal {
		return "signal"
	}
	return "poll"
}

// ParseBarrier resolves "poll" or "signal".
func ParseBarrier(s string) (Barrier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "poll":
		return BarrierPoll, nil
	case "signal":
		return BarrierSignal, nil
	default:
		return BarrierPoll, fmt.Errorf("unknown barrier mode %q", s)
	}
}

// Config holds the controller settings.
type Config struct {
	MetaSegment     string
	PoseSegment     string
	Layout          record.Layout
	AttachInterval  time.Duration
	PollInterval    time.Duration
	Barrier         Barrier
	IDBase          uint16
	TornReadRetries int
}

// Publisher emits one location event per node.
type Publisher interface {
	// Publish returns the number of bytes the event occupies, also when
	// delivery fails.
	Publish(ctx context.Context, n model.Node) (int, error)
}

// Observer receives loop measurements.
type Observer interface {
	ObserveIteration(d time.Duration)
	IncPoseRemaps()
	ObserveTornRead(skipped bool)
	SetNodeCount(n int)
	SetNumRobot(n int)
	SetSimulatedTime(d time.Duration)
}

// StateListener is told about every lifecycle transition.
type StateListener interface {
	SetState(state string)
}

// Recorder persists finished iterations.
type Recorder interface {
	RecordIteration(ctx context.Context, it journal.Iteration) error
}

// Deps are the controller's collaborators. Attacher, Signaller and
// Publisher are required.
type Deps struct {
	Attacher  Attacher
	Signaller Signaller
	Publisher Publisher
	Clock     timectrl.Clock
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver attaches loop metrics.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithStateListener adds a lifecycle listener. It may be given more than once.
func WithStateListener(l StateListener) Option {
	return func(c *Controller) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// WithRecorder attaches an iteration journal.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// Controller drives the lockstep loop. It is not safe for concurrent use;
// State may be read from any goroutine.
type Controller struct {
	cfg   Config
	codec record.Codec
	deps  Deps

	log       logging.Logger
	observer  Observer
	listeners []StateListener
	recorder  Recorder

	state atomic.Int32

	meta Segment
	pose Segment

	ids          *idmap.Translator
	table        *nodes.Table
	simTime      timectrl.SimTime
	peerPID      int
	lastNumRobot int
	iteration    uint64
}

// New validates cfg and returns a controller in the Attaching state.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	if deps.Attacher == nil || deps.Signaller == nil || deps.Publisher == nil {
		return nil, errors.New("lockstep: attacher, signaller and publisher are required")
	}
	if cfg.MetaSegment == "" || cfg.PoseSegment == "" {
		return nil, errors.New("lockstep: segment names are required")
	}
	if cfg.AttachInterval <= 0 || cfg.PollInterval <= 0 {
		return nil, errors.New("lockstep: attach and poll intervals must be positive")
	}
	if cfg.TornReadRetries < 0 {
		return nil, errors.New("lockstep: torn read retries must not be negative")
	}
	if cfg.IDBase == 0 {
		cfg.IDBase = idmap.DefaultBase
	}
	codec, err := record.NewCodec(cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("lockstep: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.RealClock{}
	}

	c := &Controller{
		cfg:   cfg,
		codec: codec,
		deps:  deps,
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ids = idmap.New(cfg.IDBase)
	var tableOpts []nodes.Option
	if c.observer != nil {
		tableOpts = append(tableOpts, nodes.WithMetricsRecorder(c.observer))
	}
	c.table = nodes.New(c.ids, tableOpts...)
	c.state.Store(int32(Attaching))
	return c, nil
}

// State returns the current lifecycle stage.
func (c *Controller) State() State { return State(c.state.Load()) }

// Nodes returns a snapshot of the node table.
func (c *Controller) Nodes() []model.Node { return c.table.All() }

// Iterations returns how many iterations have completed.
func (c *Controller) Iterations() uint64 { return c.iteration }

func (c *Controller) setState(ctx context.Context, s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Info(ctx, "lockstep state changed",
			logging.String("from", prev.String()),
			logging.String("to", s.String()),
		)
	}
	for _, l := range c.listeners {
		l.SetState(s.String())
	}
}

// Run performs the handshake and then iterates until ctx is cancelled.
// Cancellation is a normal termination and returns nil. Both segments are
// released exactly once on every return path.
func (c *Controller) Run(ctx context.Context) error {
	defer c.terminate(ctx)

	if err := c.handshake(ctx); err != nil {
		return c.exitErr(ctx, err)
	}

	for {
		if err := timectrl.Sleep(ctx, c.deps.Clock, c.cfg.PollInterval); err != nil {
			return nil
		}
		if c.cfg.Barrier == BarrierSignal {
			if err := c.deps.Signaller.Alive(c.peerPID); err != nil {
				return fmt.Errorf("simulator pid %d: %w", c.peerPID, err)
			}
			if err := c.deps.Signaller.WaitForPeer(c.peerPID); err != nil {
				return fmt.Errorf("wait for simulator: %w", err)
			}
		}
		if err := c.Step(ctx); err != nil {
			return c.exitErr(ctx, err)
		}
	}
}

// exitErr turns an error caused by cancellation into a clean exit.
func (c *Controller) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handshake attaches both segments, announces this process and resumes
// the simulator once.
func (c *Controller) handshake(ctx context.Context) error {
	c.setState(ctx, Attaching)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.attachMetadata(ctx); err != nil {
		return err
	}
	// A terminating bridge must not touch the simulator's record.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.announce(ctx); err != nil {
		return err
	}
	c.setState(ctx, Announced)

	if err := c.attachPose(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.deps.Signaller.Alive(c.peerPID); err != nil {
		return fmt.Errorf("simulator pid %d: %w", c.peerPID, err)
	}
	if err := c.deps.Signaller.Resume(c.peerPID); err != nil {
		return fmt.Errorf("resume simulator: %w", err)
	}
	c.setState(ctx, Running)
	return nil
}

func (c *Controller) terminate(ctx context.Context) {
	c.setState(ctx, Terminating)
	for _, seg := range []*Segment{&c.pose, &c.meta} {
		if *seg == nil {
			continue
		}
		if err := (*seg).Release(); err != nil {
			c.log.Warn(ctx, "release segment failed", logging.Err(err))
		}
		*seg = nil
	}
}

func (c *Controller) attachMetadata(ctx context.Context) error {
	c.log.Info(ctx, "waiting for simulator metadata segment",
		logging.String("segment", c.cfg.MetaSegment),
		logging.Duration("retry", c.cfg.AttachInterval),
	)
	seg, err := c.deps.Attacher.WaitAndAttach(ctx, c.cfg.MetaSegment, c.codec.MetadataSize(), c.cfg.AttachInterval, shm.ReadWrite)
	if err != nil {
		return fmt.Errorf("attach metadata: %w", err)
	}
	c.meta = seg
	return nil
}

// announce writes this process id into the metadata record and checks the
// write by reading it back.
func (c *Controller) announce(ctx context.Context) error {
	meta, err := c.readMetadata()
	if err != nil {
		return err
	}
	meta.EmulatorPID = int32(c.deps.Signaller.Pid())
	written := c.codec.EncodeMetadata(meta)
	if err := c.meta.Write(0, written); err != nil {
		return fmt.Errorf("announce pid: %w", err)
	}
	readBack, err := c.meta.Read(0, len(written))
	if err != nil {
		return fmt.Errorf("verify announce: %w", err)
	}
	if !bytes.Equal(readBack, written) {
		return fmt.Errorf("verify announce: %w", ErrAnnounceMismatch)
	}

	c.peerPID = int(meta.SimulatorPID)
	c.lastNumRobot = int(meta.NumRobot)
	c.table.GrowTo(c.lastNumRobot)
	if c.observer != nil {
		c.observer.SetNumRobot(c.lastNumRobot)
	}
	// The gateway position is reported but never published.
	c.log.Info(ctx, "simulator found, continuing setup",
		logging.Int("simulator_pid", c.peerPID),
		logging.Int("emulator_pid", int(meta.EmulatorPID)),
		logging.Int("num_robot", c.lastNumRobot),
		logging.Float64("delta_t", meta.DeltaT),
		logging.String("layout", c.codec.Layout().String()),
		logging.Float64("gateway_lat", meta.GatewayLat),
		logging.Float64("gateway_lon", meta.GatewayLon),
		logging.Float64("gateway_alt", meta.GatewayAlt),
	)
	return nil
}

func (c *Controller) attachPose(ctx context.Context) error {
	size := c.codec.PoseSegmentSize(c.lastNumRobot)
	seg, err := c.deps.Attacher.WaitAndAttach(ctx, c.cfg.PoseSegment, size, c.cfg.PollInterval, shm.ReadOnly)
	if err != nil {
		return fmt.Errorf("attach poses: %w", err)
	}
	c.pose = seg
	return nil
}

func (c *Controller) readMetadata() (record.MetadataRecord, error) {
	buf, err := c.meta.Read(0, c.codec.MetadataSize())
	if err != nil {
		return record.MetadataRecord{}, fmt.Errorf("read metadata: %w", err)
	}
	meta, err := c.codec.DecodeMetadata(buf)
	if err != nil {
		return record.MetadataRecord{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// Step runs one iteration: it re-reads the metadata, follows any growth
// of the robot count, applies every pose slot and publishes every node.
func (c *Controller) Step(ctx context.Context) error {
	if c.meta == nil || c.pose == nil {
		return errors.New("lockstep: step before attach")
	}
	iteration := c.iteration + 1
	ctx, log := logging.WithIterationLogger(ctx, c.log, iteration)
	ctx, span := observability.Tracer().Start(ctx, "lockstep.iteration",
		trace.WithAttributes(attribute.Int64("iteration", int64(iteration))),
	)
	defer span.End()
	start := c.deps.Clock.Now()

	log.Debug(ctx, "beginning simulation iteration")

	meta, err := c.readMetadata()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	numRobot := int(meta.NumRobot)
	c.simTime.Advance(meta.DeltaT)
	span.SetAttributes(attribute.Int("num_robot", numRobot))

	if numRobot > c.lastNumRobot {
		c.grow(ctx, log, numRobot)
	}

	slots := numRobot
	if fit := c.pose.Size() / c.codec.PoseSize(); fit < slots {
		slots = fit
	}
	for i := 0; i < slots; i++ {
		if err := c.applySlot(ctx, log, i); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	c.table.ResetSent()
	published := 0
	for _, n := range c.table.All() {
		if err := ctx.Err(); err != nil {
			return c.interrupted(ctx, log, err)
		}
		size, err := c.deps.Publisher.Publish(ctx, n)
		c.table.Update(n.SimulatorID, func(node *model.Node) {
			node.IncBuffer(float64(size))
			if err == nil {
				node.DecBuffer(float64(size))
			}
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return c.interrupted(ctx, log, ctxErr)
			}
			log.Warn(ctx, "location event not delivered",
				logging.Int("nem_id", int(n.EmulatorID)),
				logging.Err(err),
			)
			continue
		}
		published++
	}
	if err := ctx.Err(); err != nil {
		return c.interrupted(ctx, log, err)
	}
	span.SetAttributes(
		attribute.Int("published", published),
		attribute.Int("nodes", c.table.Len()),
	)
	all := c.table.All()

	c.iteration = iteration
	if c.observer != nil {
		c.observer.SetNumRobot(numRobot)
		c.observer.SetSimulatedTime(c.simTime.Elapsed())
		c.observer.ObserveIteration(c.deps.Clock.Now().Sub(start))
	}
	if c.recorder != nil {
		err := c.recorder.RecordIteration(ctx, journal.Iteration{
			Number:   iteration,
			At:       c.deps.Clock.Now(),
			SimTime:  c.simTime.Elapsed(),
			NumRobot: numRobot,
			Nodes:    all,
		})
		if err != nil {
			log.Warn(ctx, "journal write failed", logging.Err(err))
		}
	}
	return nil
}

// interrupted ends an iteration cut short by termination. Nothing about it
// is measured or journaled.
func (c *Controller) interrupted(ctx context.Context, log logging.Logger, err error) error {
	log.Debug(ctx, "iteration interrupted by termination")
	return err
}

// grow remaps the pose segment for numRobot slots. When the simulator has
// not grown the segment yet the old mapping stays and the next iteration
// tries again.
func (c *Controller) grow(ctx context.Context, log logging.Logger, numRobot int) {
	next, err := c.deps.Attacher.ResizeAttach(c.pose, c.codec.PoseSegmentSize(numRobot))
	if err != nil {
		log.Warn(ctx, "pose segment not resized, keeping current mapping",
			logging.Int("num_robot", numRobot),
			logging.Int("previous", c.lastNumRobot),
			logging.Err(err),
		)
		return
	}
	previous := c.lastNumRobot
	c.pose = next
	c.lastNumRobot = numRobot
	c.table.GrowTo(numRobot)
	log.Info(ctx, "robot count grew, pose segment remapped",
		logging.Int("num_robot", numRobot),
		logging.Int("previous", previous),
		logging.Int("node_capacity", c.table.Cap()),
	)
	if c.observer != nil {
		c.observer.IncPoseRemaps()
	}
}

// applySlot reads pose slot i until two consecutive reads agree and applies
// it to the node table. A slot that never settles is skipped.
func (c *Controller) applySlot(ctx context.Context, log logging.Logger, i int) error {
	size := c.codec.PoseSize()
	offset := i * size

	buf, err := c.pose.Read(offset, size)
	if err != nil {
		return fmt.Errorf("read pose slot %d: %w", i, err)
	}
	stable := false
	torn := false
	for attempt := 0; attempt <= c.cfg.TornReadRetries; attempt++ {
		again, err := c.pose.Read(offset, size)
		if err != nil {
			return fmt.Errorf("read pose slot %d: %w", i, err)
		}
		if bytes.Equal(buf, again) {
			stable = true
			break
		}
		torn = true
		buf = again
	}
	if torn && c.observer != nil {
		c.observer.ObserveTornRead(!stable)
	}
	if !stable {
		log.Warn(ctx, "pose slot kept changing, skipped this iteration", logging.Int("slot", i))
		return nil
	}

	pose, err := c.codec.DecodePose(buf)
	if err != nil {
		return fmt.Errorf("decode pose slot %d: %w", i, err)
	}
	n, err := c.table.ApplyPose(pose.ID, pose.Lat, pose.Lon, pose.Alt)
	if err != nil {
		if errors.Is(err, idmap.ErrExhausted) {
			log.Error(ctx, "no emulator id left for robot",
				logging.Any("simulator_id", pose.ID),
				logging.Int("ids_in_use", c.ids.Len()),
				logging.Err(err),
			)
			return nil
		}
		return fmt.Errorf("apply pose slot %d: %w", i, err)
	}
	log.Debug(ctx, "pose applied",
		logging.Int("slot", i),
		logging.Any("simulator_id", pose.ID),
		logging.Int("nem_id", int(n.EmulatorID)),
	)
	return nil
}
