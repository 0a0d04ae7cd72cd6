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


// Package ai provides abstractions for the embedding models used by the store.
//
// The store never calls a model on its own hot path: vectors are either
// supplied by the caller or produced in the background by the ingestion
// pipeline and the re-embedder through the Embedder interface.
//
// # Implementation Packages
//
//   - ai/openai: embeddings from OpenAI-compatible APIs (Ollama, LocalAI, vLLM)
//   - ai/mock: deterministic test doubles without external dependencies
//
// # Constructor Return Type Pattern
//
// Public constructors (openai.NewProvider, openai.NewEmbedder) return
// interface types. Test constructors (mock.NewMockEmbedder) return concrete
// types so tests can inject behavior and inspect call counts.
//
//	provider, err := openai.NewProvider(config)  // returns ai.AIProvider
//	mockEmbed := mock.NewMockEmbedder(8)         // returns *mock.MockEmbedder
//	count := mockEmbed.CallCount()
package ai
