// Package queuebot implements a Discord bot that runs signup queues for
// server events: members press a button on a panel message to join or
// leave a named queue, and admins manage queues with slash commands.
//
// Queues have no external database. Each guild gets a hidden text
// channel, "queue-storage" by default, whose bot-authored messages are the
// records:
//
//   - [QUEUE_INDEX]: maps each queue key to its data message
//   - [QUEUE_DATA] <key>: the ordered member IDs of one queue
//   - [QUEUE_SETTINGS]: the guild's display language
//
// Key components of the package include:
//
//   - QueueBot: wires everything together and owns the gateway session.
//   - QueueStore: the per-guild queue state, persisted to the storage channel.
//   - PanelSynchronizer: finds and re-renders panel messages for a key.
//   - Notifier: direct messages the head of a queue.
//   - Localizer: the bundled and file-loaded message catalogs.
//   - HealthServer: liveness endpoints, and the interactions webhook when
//     enabled.
//
// The bot supports these commands, all restricted to members with Manage
// Server or Administrator:
//
//   - /setup_storage, /create, /set_title, /sync
//   - /list, /list_n, /remove, /remove_n, /reset
//   - /notify, /language
package queuebot
