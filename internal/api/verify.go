/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"net/http"
	"strconv"

	"forest-credit-settlement/internal/metrics"

	"github.com/gin-gonic/gin"
)

// handleVerify is public: it tells anyone whether a settlement still matches
// its audit record.
func (s *Server) handleVerify(c *gin.Context) {
	orderId, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
	if err != nil || orderId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	result := s.deps.Auditor.Verify(c.Request.Context(), orderId)
	metrics.VerificationsTotal.WithLabelValues(string(result.Status)).Inc()
	c.JSON(http.StatusOK, result)
}
