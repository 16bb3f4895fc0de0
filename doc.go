// Package sigcomm establishes process identity and a local control-signal
// channel between cooperating workers of a distributed job.
//
// Each process is launched independently, typically one per accelerator
// device, with its local device index, the number of local devices, its worker
// index and the worker count in the environment. From those four numbers every
// process computes the same addressing scheme without talking to anyone: a
// global rank, the group size, and a role. The highest local rank on a host
// acts as that host's coordinator.
//
// Signals are small, bounded control messages (readiness, go/no-go) exchanged
// between processes on the same host. They never carry tensor data; bulk
// payloads are handed to an external collective engine.
//
// Two signaling backends satisfy the same SignalTransport contract. The
// socket backend binds one unix datagram socket per local rank under a
// well-known path prefix. The group backend routes signals through a
// cluster-wide message-passing group, which is then also authoritative for the
// local rank and local size.
//
// A broken control channel cannot be worked around mid-run, so the
// Communicator hands every error to a fatal handler before returning it. The
// default handler logs and exits the process.
package sigcomm
