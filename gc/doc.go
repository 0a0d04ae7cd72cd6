// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gc reclaims atoms nobody references any more.
//
// Release never deletes. An atom whose reference count reached zero stays
// readable until a Sweeper finds it older than the grace period and purges
// it together with its versions, embeddings, edges and blobs. Purged atoms
// are removed from the spatial index before the sweep returns, and retired
// landmark sets no embedding records any more are pruned.
//
// Sweeps run on demand through Sweep or on a cron schedule through Start.
package gc
