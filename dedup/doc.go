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
// Package dedup flags semantically near-identical atoms.
//
// Exact duplicates never reach this package: identical content always
// resolves to one atom in the store. The Detector looks for distinct atoms
// whose embeddings are nearly the same and records a report for each pair.
// Reports are informational; atoms are never merged.
package dedup
