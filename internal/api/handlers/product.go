package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/provisio/provisio/internal/catalog"
)

func (h *Handler) ListProducts(c *gin.Context) {
	products, err := h.products.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) ListConsoleProducts(c *gin.Context) {
	products, err := h.products.ListConsole(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) GetProduct(c *gin.Context) {
	product, err := h.products.Get(c.Request.Context(), c.Query("id"), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) AddProduct(c *gin.Context) {
	var req catalog.AddProductInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c)
		return
	}

	product, err := h.products.Add(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) DeleteProduct(c *gin.Context) {
	err := h.products.Delete(c.Request.Context(), c.GetString("product"), c.Query("id"), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) PurgeProduct(c *gin.Context) {
	product, err := h.products.Purge(c.Request.Context(), c.Query("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) ListProductPackages(c *gin.Context) {
	packages, err := h.products.ListPackages(c.Request.Context(), c.Query("id"), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, packages)
}

func (h *Handler) GetProductPackage(c *gin.Context) {
	pkg, err := h.products.GetPackage(c.Request.Context(), c.Query("productCode"), c.Query("packageCode"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

type addPackageRequest struct {
	ID string `json:"id" binding:"required"`
	catalog.AddPackageInput
}

func (h *Handler) AddProductPackage(c *gin.Context) {
	var req addPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c)
		return
	}

	product, err := h.products.AddPackage(c.Request.Context(), req.ID, &req.AddPackageInput)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) DeleteProductPackage(c *gin.Context) {
	product, err := h.products.DeletePackage(c.Request.Context(), c.Query("id"), c.Query("packageCode"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}
